package ot

// Transform resolves two concurrent operations a and b that are well-formed
// against the same document. It returns (a', b') such that
//
//	apply(apply(D, a), b') == apply(apply(D, b), a')
//
// which is the TP1 convergence property. When a and b insert at the same
// position, a's insert is ordered first; callers decide priority by argument
// order (the server puts the operation of the lexicographically smaller
// author first).
func Transform(a, b *Operation) (aPrime, bPrime *Operation, err error) {
	if a.baseLen != b.baseLen {
		return nil, nil, ErrIncompatibleLengths
	}

	aPrime, bPrime = New(), New()
	ca, cb := newCompCursor(a.comps), newCompCursor(b.comps)
	ma, mb := ca.next(), cb.next()

	for ma != nil || mb != nil {
		// Inserts do not consume base text, so they are emitted before
		// the length-matched pairings. The a side goes first.
		if ins, ok := ma.(Insert); ok {
			aPrime.Insert(ins.Text)
			bPrime.Retain(Len(ins.Text))
			ma = ca.next()
			continue
		}
		if ins, ok := mb.(Insert); ok {
			aPrime.Retain(Len(ins.Text))
			bPrime.Insert(ins.Text)
			mb = cb.next()
			continue
		}
		if ma == nil || mb == nil {
			return nil, nil, ErrIncompatibleLengths
		}

		switch x := ma.(type) {
		case Retain:
			switch y := mb.(type) {
			case Retain:
				switch {
				case x.N < y.N:
					aPrime.Retain(x.N)
					bPrime.Retain(x.N)
					mb = Retain{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					aPrime.Retain(x.N)
					bPrime.Retain(x.N)
					ma, mb = ca.next(), cb.next()
				default:
					aPrime.Retain(y.N)
					bPrime.Retain(y.N)
					ma = Retain{N: x.N - y.N}
					mb = cb.next()
				}
			case Delete:
				// b deletes text a retained.
				switch {
				case x.N < y.N:
					bPrime.Delete(x.N)
					mb = Delete{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					bPrime.Delete(x.N)
					ma, mb = ca.next(), cb.next()
				default:
					bPrime.Delete(y.N)
					ma = Retain{N: x.N - y.N}
					mb = cb.next()
				}
			}
		case Delete:
			switch y := mb.(type) {
			case Retain:
				// a deletes text b retained.
				switch {
				case x.N < y.N:
					aPrime.Delete(x.N)
					mb = Retain{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					aPrime.Delete(x.N)
					ma, mb = ca.next(), cb.next()
				default:
					aPrime.Delete(y.N)
					ma = Delete{N: x.N - y.N}
					mb = cb.next()
				}
			case Delete:
				// Both deleted the same span; the overlap is gone on
				// either path and collapses to nothing.
				switch {
				case x.N < y.N:
					mb = Delete{N: y.N - x.N}
					ma = ca.next()
				case x.N == y.N:
					ma, mb = ca.next(), cb.next()
				default:
					ma = Delete{N: x.N - y.N}
					mb = cb.next()
				}
			}
		}
	}

	return aPrime, bPrime, nil
}

// TransformIndex maps a single position through an operation: inserts at or
// before the position shift it right, deletes covering it clamp it to the
// start of the deleted span. Used for cursor rebasing; never fails, a
// position past the end of the document is shifted like the end.
func TransformIndex(op *Operation, position int) int {
	index := position
	newIndex := position
	for _, c := range op.comps {
		switch v := c.(type) {
		case Retain:
			index -= v.N
		case Insert:
			newIndex += Len(v.Text)
		case Delete:
			if index >= v.N {
				newIndex -= v.N
			} else if index > 0 {
				newIndex -= index
			}
			index -= v.N
		}
		if index < 0 {
			break
		}
	}
	if newIndex < 0 {
		return 0
	}
	return newIndex
}
