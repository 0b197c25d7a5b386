package ot

// Compose merges two sequential operations into one, such that
//
//	apply(D, Compose(a, b)) == apply(apply(D, a), b)
//
// b must be well-formed against the document a produces, i.e.
// a.TargetLen() == b.BaseLen(). Compose is used to compact operation
// history: a run of adjacent history entries collapses into a single
// equivalent operation.
func Compose(a, b *Operation) (*Operation, error) {
	if a.targetLen != b.baseLen {
		return nil, ErrIncompatibleLengths
	}

	out := New()
	ca, cb := newCompCursor(a.comps), newCompCursor(b.comps)
	ma, mb := ca.next(), cb.next()

	for ma != nil || mb != nil {
		// Text deleted by a never reaches b, and text inserted by b
		// consumes nothing of a's output. Both pass through directly.
		if del, ok := ma.(Delete); ok {
			out.Delete(del.N)
			ma = ca.next()
			continue
		}
		if ins, ok := mb.(Insert); ok {
			out.Insert(ins.Text)
			mb = cb.next()
			continue
		}
		if ma == nil || mb == nil {
			return nil, ErrIncompatibleLengths
		}

		switch x := ma.(type) {
		case Retain:
			switch y := mb.(type) {
			case Retain:
				switch {
				case x.N < y.N:
					out.Retain(x.N)
					mb = Retain{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					out.Retain(x.N)
					ma, mb = ca.next(), cb.next()
				default:
					out.Retain(y.N)
					ma = Retain{N: x.N - y.N}
					mb = cb.next()
				}
			case Delete:
				// b deletes original text that a retained.
				switch {
				case x.N < y.N:
					out.Delete(x.N)
					mb = Delete{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					out.Delete(y.N)
					ma, mb = ca.next(), cb.next()
				default:
					out.Delete(y.N)
					ma = Retain{N: x.N - y.N}
					mb = cb.next()
				}
			}
		case Insert:
			n := Len(x.Text)
			switch y := mb.(type) {
			case Retain:
				switch {
				case n < y.N:
					out.Insert(x.Text)
					mb = Retain{N: y.N - n}
					ma = ca.next()
				case n == y.N:
					out.Insert(x.Text)
					ma, mb = ca.next(), cb.next()
				default:
					head, tail := splitText(x.Text, y.N)
					out.Insert(head)
					ma = Insert{Text: tail}
					mb = cb.next()
				}
			case Delete:
				// b deletes text a inserted; the overlap cancels out.
				switch {
				case n < y.N:
					mb = Delete{N: y.N - n}
					ma = ca.next()
				case n == y.N:
					ma, mb = ca.next(), cb.next()
				default:
					_, tail := splitText(x.Text, y.N)
					ma = Insert{Text: tail}
					mb = cb.next()
				}
			}
		}
	}

	return out, nil
}
