package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/ot"
	"docsync/protocol"
	"docsync/storage"
)

// fakeSink는 테스트용 송신 큐입니다. capacity가 0보다 크면 그 수를 넘는
// TrySend를 거부하여 느린 소비자를 흉내냅니다.
type fakeSink struct {
	mu       sync.Mutex
	capacity int
	msgs     []protocol.ServerMessage
	kicked   bool
	kickCode int
	reason   string
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{capacity: capacity}
}

func (f *fakeSink) TrySend(msg protocol.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 && len(f.msgs) >= f.capacity {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSink) Kick(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = true
	f.kickCode = code
	f.reason = reason
}

func (f *fakeSink) messages() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

func (f *fakeSink) kickedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicked, f.kickCode
}

// messagesOf는 기록된 메시지 중 타입이 T인 것만 골라냅니다.
func messagesOf[T protocol.ServerMessage](msgs []protocol.ServerMessage) []T {
	var out []T
	for _, m := range msgs {
		if typed, ok := m.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

// flush는 메일박스가 비워질 때까지 기다립니다. Stats 메시지가 앞서 보낸
// 메시지들 뒤에 처리되는 것을 이용합니다.
func flush(t *testing.T, s *Session) Stats {
	t.Helper()
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func startSession(t *testing.T, text string, version uint64, cfg Config) (*Session, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	s := NewSession("doc-1", text, version, store, nil, zap.NewNop(), cfg)
	s.Start()
	return s, store
}

func join(t *testing.T, s *Session, clientID, userID string, sink Sink) {
	t.Helper()
	err := s.Join(context.Background(), ClientInfo{ID: clientID, UserID: userID, Name: userID}, sink)
	require.NoError(t, err)
}

func TestSessionJoinSendsSyncAndAnnounces(t *testing.T) {
	s, _ := startSession(t, "hello", 3, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	flush(t, s)

	syncs := messagesOf[*protocol.Sync](alice.messages())
	require.Len(t, syncs, 1)
	assert.Equal(t, "hello", syncs[0].Text)
	assert.Equal(t, uint64(3), syncs[0].Version)
	assert.Empty(t, syncs[0].Peers)

	bob := newFakeSink(0)
	join(t, s, "c-bob", "bob", bob)
	stats := flush(t, s)
	assert.Equal(t, 2, stats.Clients)

	// 두 번째 참여자는 기존 참여자 목록을 받습니다.
	syncs = messagesOf[*protocol.Sync](bob.messages())
	require.Len(t, syncs, 1)
	require.Len(t, syncs[0].Peers, 1)
	assert.Equal(t, "c-alice", syncs[0].Peers[0].ClientID)
	assert.Equal(t, "alice", syncs[0].Peers[0].UserID)
	assert.NotEmpty(t, syncs[0].Peers[0].Color)

	// 기존 참여자는 입장 알림을 받습니다.
	joined := messagesOf[*protocol.UserJoined](alice.messages())
	require.Len(t, joined, 1)
	assert.Equal(t, "c-bob", joined[0].ClientID)
}

func TestSessionOpAckAndFanOut(t *testing.T) {
	s, _ := startSession(t, "ab", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)
	alice.reset()
	bob.reset()

	s.SubmitOp("c-alice", 0, ot.New().Retain(1).Insert("X").Retain(1), 1)
	stats := flush(t, s)
	assert.Equal(t, uint64(1), stats.Version)

	// 작성자는 ack만 받습니다.
	acks := messagesOf[*protocol.Ack](alice.messages())
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(1), acks[0].ClientSeq)
	assert.Equal(t, uint64(1), acks[0].Version)
	assert.Empty(t, messagesOf[*protocol.RemoteOp](alice.messages()))

	// 나머지 참여자는 변환된 연산을 받습니다.
	ops := messagesOf[*protocol.RemoteOp](bob.messages())
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(1), ops[0].Version)
	assert.Equal(t, "alice", ops[0].AuthorID)
	assert.True(t, ot.New().Retain(1).Insert("X").Retain(1).Equals(ops[0].Components))
}

func TestSessionConcurrentInsertsConverge(t *testing.T) {
	s, _ := startSession(t, "ab", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)
	alice.reset()
	bob.reset()

	// 두 클라이언트가 같은 기준 버전에서 동시에 편집
	s.SubmitOp("c-alice", 0, ot.New().Retain(1).Insert("X").Retain(1), 1)
	s.SubmitOp("c-bob", 0, ot.New().Retain(1).Insert("Y").Retain(1), 1)
	stats := flush(t, s)
	assert.Equal(t, uint64(2), stats.Version)

	// alice는 bob의 연산을 자신의 삽입 뒤로 밀려난 형태로 받습니다.
	ops := messagesOf[*protocol.RemoteOp](alice.messages())
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(2), ops[0].Version)
	assert.Equal(t, "bob", ops[0].AuthorID)
	assert.True(t, ot.New().Retain(2).Insert("Y").Retain(1).Equals(ops[0].Components))

	// bob은 alice의 원본 연산을 그대로 받습니다.
	ops = messagesOf[*protocol.RemoteOp](bob.messages())
	require.Len(t, ops, 1)
	assert.True(t, ot.New().Retain(1).Insert("X").Retain(1).Equals(ops[0].Components))

	// 새 참여자는 수렴된 문서를 받습니다.
	carol := newFakeSink(0)
	join(t, s, "c-carol", "carol", carol)
	flush(t, s)

	syncs := messagesOf[*protocol.Sync](carol.messages())
	require.Len(t, syncs, 1)
	assert.Equal(t, "aXYb", syncs[0].Text)
	assert.Equal(t, uint64(2), syncs[0].Version)
}

func TestSessionResyncOnStaleBase(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryWindow = 3
	s, _ := startSession(t, "", 0, cfg)
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)

	// 문서를 버전 10까지 진행
	for i := 0; i < 10; i++ {
		s.SubmitOp("c-alice", uint64(i), ot.New().Retain(i).Insert("x"), uint64(i+1))
	}
	stats := flush(t, s)
	require.Equal(t, uint64(10), stats.Version)
	alice.reset()
	bob.reset()

	// 이력 창 밖의 기준 버전은 재동기화로 응답
	s.SubmitOp("c-bob", 5, ot.New().Retain(5).Insert("Y"), 1)
	stats = flush(t, s)
	assert.Equal(t, uint64(10), stats.Version, "stale op must not apply")

	errs := messagesOf[*protocol.Error](bob.messages())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrKindVersionTooOld, errs[0].Kind)

	syncs := messagesOf[*protocol.Sync](bob.messages())
	require.Len(t, syncs, 1)
	assert.Equal(t, "xxxxxxxxxx", syncs[0].Text)
	assert.Equal(t, uint64(10), syncs[0].Version)

	// 다른 참여자에게는 아무것도 전파되지 않습니다.
	assert.Empty(t, alice.messages())

	kicked, _ := bob.kickedWith()
	assert.False(t, kicked)
}

func TestSessionResyncOnMalformedOp(t *testing.T) {
	s, _ := startSession(t, "ab", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	flush(t, s)
	alice.reset()

	s.SubmitOp("c-alice", 0, nil, 1)
	flush(t, s)

	errs := messagesOf[*protocol.Error](alice.messages())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrKindInvalidOperation, errs[0].Kind)
	require.Len(t, messagesOf[*protocol.Sync](alice.messages()), 1)
}

func TestSessionKicksFutureVersion(t *testing.T) {
	s, _ := startSession(t, "ab", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)
	alice.reset()

	s.SubmitOp("c-bob", 99, ot.New().Retain(2), 1)
	stats := flush(t, s)

	kicked, code := bob.kickedWith()
	assert.True(t, kicked)
	assert.Equal(t, protocol.CloseProtocolViolation, code)
	assert.Equal(t, 1, stats.Clients)

	// 퇴출도 퇴장으로 알립니다.
	left := messagesOf[*protocol.UserLeft](alice.messages())
	require.Len(t, left, 1)
	assert.Equal(t, "c-bob", left[0].ClientID)
}

func TestSessionSlowConsumerEvicted(t *testing.T) {
	s, _ := startSession(t, "", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(100)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)

	// bob의 큐는 입장 sync로 이미 1개를 담고 있습니다. 100개의 연산을
	// 전파하면 101번째 프레임에서 큐가 넘칩니다.
	for i := 0; i < 100; i++ {
		s.SubmitOp("c-alice", uint64(i), ot.New().Retain(i).Insert("x"), uint64(i+1))
	}
	stats := flush(t, s)

	kicked, code := bob.kickedWith()
	assert.True(t, kicked)
	assert.Equal(t, protocol.CloseSlowConsumer, code)
	assert.Equal(t, 1, stats.Clients)
	assert.Len(t, bob.messages(), 100)

	left := messagesOf[*protocol.UserLeft](alice.messages())
	require.Len(t, left, 1)
	assert.Equal(t, "c-bob", left[0].ClientID)
}

func TestSessionLeaveIsIdempotent(t *testing.T) {
	s, _ := startSession(t, "", 0, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)
	alice.reset()

	s.Leave("c-bob")
	s.Leave("c-bob")
	s.Leave("c-unknown")
	stats := flush(t, s)

	assert.Equal(t, 1, stats.Clients)
	left := messagesOf[*protocol.UserLeft](alice.messages())
	require.Len(t, left, 1, "second leave must not announce again")
}

func TestSessionCursorRebase(t *testing.T) {
	s, _ := startSession(t, "Hello!!", 7, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)

	// bob이 2..4열을 지워 버전 8이 됩니다.
	s.SubmitOp("c-bob", 7, ot.New().Retain(2).Delete(2).Retain(3), 1)
	flush(t, s)
	bob.reset()

	// 버전 7 기준 (0,5) 커서는 (0,3)으로 재배치되어 전파됩니다.
	s.UpdateCursor("c-alice", 0, 5, nil, 7)
	flush(t, s)

	cursors := messagesOf[*protocol.RemoteCursor](bob.messages())
	require.Len(t, cursors, 1)
	assert.Equal(t, "c-alice", cursors[0].ClientID)
	require.NotNil(t, cursors[0].Cursor)
	assert.Equal(t, uint32(0), cursors[0].Cursor.Line)
	assert.Equal(t, uint32(3), cursors[0].Cursor.Column)
	assert.Equal(t, uint64(8), cursors[0].Version)
	assert.Nil(t, cursors[0].Selection)

	// 작성자 본인에게는 커서가 전파되지 않습니다.
	assert.Empty(t, messagesOf[*protocol.RemoteCursor](alice.messages()))

	// 지워진 범위 안의 커서는 삭제 시작점으로 고정됩니다.
	bob.reset()
	s.UpdateCursor("c-alice", 0, 3, nil, 7)
	flush(t, s)

	cursors = messagesOf[*protocol.RemoteCursor](bob.messages())
	require.Len(t, cursors, 1)
	assert.Equal(t, uint32(2), cursors[0].Cursor.Column)
}

func TestSessionCursorSelectionRebase(t *testing.T) {
	s, _ := startSession(t, "Hello!!", 7, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)

	s.SubmitOp("c-bob", 7, ot.New().Retain(2).Delete(2).Retain(3), 1)
	flush(t, s)
	bob.reset()

	selection := &protocol.Selection{
		Anchor: protocol.Position{Line: 0, Column: 1},
		Head:   protocol.Position{Line: 0, Column: 5},
	}
	s.UpdateCursor("c-alice", 0, 5, selection, 7)
	flush(t, s)

	cursors := messagesOf[*protocol.RemoteCursor](bob.messages())
	require.Len(t, cursors, 1)
	require.NotNil(t, cursors[0].Selection)
	assert.Equal(t, uint32(1), cursors[0].Selection.Anchor.Column)
	assert.Equal(t, uint32(3), cursors[0].Selection.Head.Column)
}

func TestSessionCursorFollowsLaterEdits(t *testing.T) {
	s, _ := startSession(t, "Heo!!", 8, testConfig())
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	bob := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	join(t, s, "c-bob", "bob", bob)
	flush(t, s)

	s.UpdateCursor("c-alice", 0, 3, nil, 8)
	flush(t, s)

	// 커서 앞에 삽입이 일어나면 저장된 커서도 함께 이동합니다.
	s.SubmitOp("c-bob", 8, ot.New().Insert("Z").Retain(5), 1)
	flush(t, s)

	carol := newFakeSink(0)
	join(t, s, "c-carol", "carol", carol)
	flush(t, s)

	syncs := messagesOf[*protocol.Sync](carol.messages())
	require.Len(t, syncs, 1)
	assert.Equal(t, "ZHeo!!", syncs[0].Text)

	var alicePeer *protocol.Peer
	for i := range syncs[0].Peers {
		if syncs[0].Peers[i].ClientID == "c-alice" {
			alicePeer = &syncs[0].Peers[i]
		}
	}
	require.NotNil(t, alicePeer)
	require.NotNil(t, alicePeer.Cursor)
	assert.Equal(t, uint32(4), alicePeer.Cursor.Column)
}

func TestSessionPersistsOnTick(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Millisecond
	s, store := startSession(t, "ab", 0, cfg)
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	s.SubmitOp("c-alice", 0, ot.New().Retain(2).Insert("c"), 1)
	flush(t, s)

	require.Eventually(t, func() bool {
		snapshot, err := store.Load(context.Background(), "doc-1")
		return err == nil && snapshot.Version == 1 && snapshot.Text == "abc"
	}, 2*time.Second, 10*time.Millisecond)

	stats := flush(t, s)
	assert.False(t, stats.Dirty)
}

// failingStore는 지정한 횟수만큼 Save를 실패시키는 저장소입니다.
type failingStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *failingStore) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated save failure %d", f.attempts)
	}
	return f.MemoryStore.Save(ctx, snapshot)
}

func TestSessionRetriesFailedPersist(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Millisecond
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failures: 3}

	s := NewSession("doc-1", "ab", 0, store, nil, zap.NewNop(), cfg)
	s.Start()
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	s.SubmitOp("c-alice", 0, ot.New().Retain(2).Insert("c"), 1)
	flush(t, s)

	// 실패한 저장은 다음 주기에 재시도되어 결국 성공합니다.
	require.Eventually(t, func() bool {
		snapshot, err := store.MemoryStore.Load(context.Background(), "doc-1")
		return err == nil && snapshot.Version == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionAppendsOpLog(t *testing.T) {
	oplog := storage.NewMemoryOpLog(0)
	s := NewSession("doc-1", "ab", 0, storage.NewMemoryStore(), oplog, zap.NewNop(), testConfig())
	s.Start()
	defer s.Drain(context.Background())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	s.SubmitOp("c-alice", 0, ot.New().Retain(1).Insert("X").Retain(1), 1)
	flush(t, s)

	require.Eventually(t, func() bool {
		entries, err := oplog.Tail(context.Background(), "doc-1", 0, 0)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := oplog.Tail(context.Background(), "doc-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entries[0].Version)
	assert.Equal(t, "alice", entries[0].AuthorID)
	assert.JSONEq(t, `[1,"X",1]`, entries[0].Components)
}

// panicSink은 TrySend에서 패닉을 일으켜 액터 내부 버그를 흉내냅니다.
type panicSink struct {
	fakeSink
}

func (p *panicSink) TrySend(msg protocol.ServerMessage) bool {
	panic("sink exploded")
}

func TestSessionPanicDropsSessionAndKicksClients(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &storage.Snapshot{ID: "doc-1", Text: "safe", Version: 4}))

	registry := NewRegistry(store, nil, zap.NewNop(), testConfig())
	s, err := registry.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	flush(t, s)

	// 패닉한 세션은 복구를 시도하지 않고 즉시 폐기됩니다.
	bob := &panicSink{}
	err = s.Join(context.Background(), ClientInfo{ID: "c-bob", UserID: "bob", Name: "bob"}, bob)
	assert.ErrorIs(t, err, ErrSessionClosed)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after panic")
	}

	kicked, code := alice.kickedWith()
	assert.True(t, kicked)
	assert.Equal(t, protocol.CloseInternalError, code)

	// 다음 참여자는 저장소 스냅샷으로 시작하는 새 세션을 받습니다.
	fresh, err := registry.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotSame(t, s, fresh)
	defer fresh.Drain(context.Background())

	carol := newFakeSink(0)
	join(t, fresh, "c-carol", "carol", carol)
	flush(t, fresh)

	syncs := messagesOf[*protocol.Sync](carol.messages())
	require.Len(t, syncs, 1)
	assert.Equal(t, "safe", syncs[0].Text)
	assert.Equal(t, uint64(4), syncs[0].Version)
}

func TestSessionDrainKicksClients(t *testing.T) {
	s, store := startSession(t, "ab", 0, testConfig())

	alice := newFakeSink(0)
	join(t, s, "c-alice", "alice", alice)
	s.SubmitOp("c-alice", 0, ot.New().Retain(2).Insert("!"), 1)
	flush(t, s)

	require.NoError(t, s.Drain(context.Background()))

	kicked, code := alice.kickedWith()
	assert.True(t, kicked)
	assert.Equal(t, protocol.CloseNormal, code)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}

	// 종료 시 변경분이 저장됩니다.
	snapshot, err := store.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "ab!", snapshot.Text)
	assert.Equal(t, uint64(1), snapshot.Version)

	// 종료된 세션에는 참여할 수 없습니다.
	err = s.Join(context.Background(), ClientInfo{ID: "c-x", UserID: "x", Name: "x"}, newFakeSink(0))
	assert.ErrorIs(t, err, ErrSessionClosed)
}
