package session

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docsync/document"
	"docsync/ot"
	"docsync/protocol"
	"docsync/storage"
)

// ErrSessionClosed is returned when posting to a session that has shut down
var ErrSessionClosed = errors.New("session is closed")

// Config 구조체는 세션 액터의 동작 설정을 담습니다.
type Config struct {
	// HistoryWindow는 변환에 사용할 연산 이력의 최대 길이입니다.
	HistoryWindow int

	// TickInterval은 주기 작업(저장, 유휴 검사)의 실행 간격입니다.
	TickInterval time.Duration

	// PersistInterval은 변경된 문서를 저장소에 쓰는 최소 간격입니다.
	PersistInterval time.Duration

	// PersistTimeout은 저장소 쓰기 한 번에 허용하는 최대 시간입니다.
	PersistTimeout time.Duration

	// IdleTimeout은 접속자가 없는 세션을 종료하기까지의 대기 시간입니다.
	IdleTimeout time.Duration

	// MailboxSize는 세션 메일박스의 버퍼 크기입니다.
	MailboxSize int
}

// DefaultConfig는 기본 세션 설정을 반환합니다.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:   document.DefaultHistoryWindow,
		TickInterval:    time.Second,
		PersistInterval: 10 * time.Second,
		PersistTimeout:  5 * time.Second,
		IdleTimeout:     5 * time.Minute,
		MailboxSize:     1024,
	}
}

// withDefaults는 설정되지 않은 필드를 기본값으로 채웁니다.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = d.PersistInterval
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	return c
}

// Sink 인터페이스는 클라이언트로 향하는 송신 큐를 추상화합니다.
// 세션 액터는 Sink를 통해서만 클라이언트에 메시지를 보냅니다.
type Sink interface {
	// TrySend는 메시지를 송신 큐에 넣습니다. 큐가 가득 차면 false를 반환합니다.
	TrySend(msg protocol.ServerMessage) bool

	// Kick은 지정한 코드로 연결 종료를 요청합니다.
	Kick(code int, reason string)
}

// ClientInfo 구조체는 세션에 참여하는 클라이언트의 신원 정보를 담습니다.
type ClientInfo struct {
	ID     string
	UserID string
	Name   string
}

// cursorState는 현재 문서 좌표계로 재배치된 커서 위치입니다.
type cursorState struct {
	offset int
	anchor int
	head   int
	hasSel bool
}

// shift는 적용된 연산을 따라 저장된 커서를 이동시킵니다.
func (cs *cursorState) shift(op *ot.Operation) {
	cs.offset = ot.TransformIndex(op, cs.offset)
	if cs.hasSel {
		cs.anchor = ot.TransformIndex(op, cs.anchor)
		cs.head = ot.TransformIndex(op, cs.head)
	}
}

// client는 로스터에 등록된 단일 클라이언트입니다.
type client struct {
	info   ClientInfo
	color  string
	sink   Sink
	cursor *cursorState
}

// 세션 메일박스로 전달되는 메시지들
type message interface{ isMessage() }

type joinMsg struct {
	client *client
	reply  chan error
}

type leaveMsg struct {
	clientID string
}

type opMsg struct {
	clientID    string
	baseVersion uint64
	op          *ot.Operation
	clientSeq   uint64
}

type cursorMsg struct {
	clientID  string
	line      int
	column    int
	selection *protocol.Selection
	atVersion uint64
}

type drainMsg struct {
	reply chan struct{}
}

type statsMsg struct {
	reply chan Stats
}

func (joinMsg) isMessage()   {}
func (leaveMsg) isMessage()  {}
func (opMsg) isMessage()     {}
func (cursorMsg) isMessage() {}
func (drainMsg) isMessage()  {}
func (statsMsg) isMessage()  {}

// Stats 구조체는 세션의 현재 상태 요약입니다.
type Stats struct {
	DocID   string `json:"doc_id"`
	Version uint64 `json:"version"`
	Clients int    `json:"clients"`
	Dirty   bool   `json:"dirty"`
}

// Session 구조체는 단일 문서의 협업 세션 액터입니다.
// 문서 상태는 run 고루틴 하나가 소유하며 메일박스 메시지로만 변경됩니다.
type Session struct {
	docID    string
	doc      *document.Document
	store    storage.Store
	oplog    storage.OpLog
	logger   *zap.Logger
	cfg      Config
	registry *Registry

	mailbox  chan message
	done     chan struct{}
	draining atomic.Bool

	clients      map[string]*client
	lastActivity time.Time
	lastPersist  time.Time
}

// NewSession은 문서 하나를 담당하는 세션 액터를 생성합니다.
// Start를 호출하기 전에는 메시지를 처리하지 않습니다.
func NewSession(docID, text string, version uint64, store storage.Store, oplog storage.OpLog, logger *zap.Logger, cfg Config) *Session {
	cfg = cfg.withDefaults()
	now := time.Now()
	return &Session{
		docID:        docID,
		doc:          document.New(docID, text, version, cfg.HistoryWindow),
		store:        store,
		oplog:        oplog,
		logger:       logger,
		cfg:          cfg,
		mailbox:      make(chan message, cfg.MailboxSize),
		done:         make(chan struct{}),
		clients:      make(map[string]*client),
		lastActivity: now,
		lastPersist:  now,
	}
}

// Start는 세션 액터 고루틴을 시작합니다.
func (s *Session) Start() {
	go s.run()
}

// DocID는 세션이 담당하는 문서 ID를 반환합니다.
func (s *Session) DocID() string { return s.docID }

// Done은 세션 액터가 종료되면 닫히는 채널을 반환합니다.
func (s *Session) Done() <-chan struct{} { return s.done }

// Draining은 세션이 종료 중인지 여부를 반환합니다.
// 종료 중인 세션에는 새 클라이언트를 받을 수 없습니다.
func (s *Session) Draining() bool { return s.draining.Load() }

// Join은 클라이언트를 세션에 등록합니다. 등록이 완료되면 해당 클라이언트는
// 현재 문서 상태를 담은 sync 메시지를 받습니다.
func (s *Session) Join(ctx context.Context, info ClientInfo, sink Sink) error {
	m := joinMsg{
		client: &client{info: info, color: colorFor(info.UserID), sink: sink},
		reply:  make(chan error, 1),
	}
	select {
	case s.mailbox <- m:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave는 클라이언트를 세션에서 제거합니다. 이미 제거된 클라이언트에
// 대해서는 아무 일도 하지 않습니다.
func (s *Session) Leave(clientID string) {
	select {
	case s.mailbox <- leaveMsg{clientID: clientID}:
	case <-s.done:
	}
}

// SubmitOp은 클라이언트가 보낸 연산을 세션에 전달합니다.
// op이 nil이면 디코딩에 실패한 연산으로 처리되어 해당 클라이언트가
// 재동기화됩니다.
func (s *Session) SubmitOp(clientID string, baseVersion uint64, op *ot.Operation, clientSeq uint64) {
	select {
	case s.mailbox <- opMsg{clientID: clientID, baseVersion: baseVersion, op: op, clientSeq: clientSeq}:
	case <-s.done:
	}
}

// UpdateCursor는 클라이언트의 커서 위치를 세션에 전달합니다.
func (s *Session) UpdateCursor(clientID string, line, column int, selection *protocol.Selection, atVersion uint64) {
	select {
	case s.mailbox <- cursorMsg{clientID: clientID, line: line, column: column, selection: selection, atVersion: atVersion}:
	case <-s.done:
	}
}

// Drain은 세션을 종료시킵니다. 접속 중인 클라이언트는 정상 코드로
// 연결이 끊어지고 변경된 문서는 저장됩니다.
func (s *Session) Drain(ctx context.Context) error {
	m := drainMsg{reply: make(chan struct{})}
	select {
	case s.mailbox <- m:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.reply:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats는 세션의 현재 상태 요약을 반환합니다.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	m := statsMsg{reply: make(chan Stats, 1)}
	select {
	case s.mailbox <- m:
	case <-s.done:
		return Stats{}, ErrSessionClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case stats := <-m.reply:
		return stats, nil
	case <-s.done:
		return Stats{}, ErrSessionClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// run은 세션 액터의 메인 루프입니다. 메일박스 메시지와 주기 틱을
// 순서대로 처리합니다.
func (s *Session) run() {
	defer close(s.done)
	defer s.recoverPanic()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-s.mailbox:
			if s.handle(m) {
				return
			}
		case <-ticker.C:
			if s.handleTick() {
				return
			}
		}
	}
}

// recoverPanic은 액터 패닉 시 세션을 즉시 폐기합니다. 메모리 상태를
// 신뢰할 수 없으므로 저장하지 않고, 다음 참여자가 저장소에서 문서를
// 새로 불러오게 합니다.
func (s *Session) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}

	s.logger.Error("Session panicked",
		zap.String("doc_id", s.docID),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())))

	s.draining.Store(true)
	if s.registry != nil {
		s.registry.remove(s.docID, s)
	}
	for id, c := range s.clients {
		delete(s.clients, id)
		c.sink.Kick(protocol.CloseInternalError, "internal session error")
	}
}

// handle은 메시지 하나를 처리합니다. 세션을 종료해야 하면 true를 반환합니다.
func (s *Session) handle(m message) bool {
	switch msg := m.(type) {
	case joinMsg:
		s.handleJoin(msg)
	case leaveMsg:
		s.handleLeave(msg)
	case opMsg:
		s.handleOp(msg)
	case cursorMsg:
		s.handleCursor(msg)
	case statsMsg:
		msg.reply <- Stats{
			DocID:   s.docID,
			Version: s.doc.Version(),
			Clients: len(s.clients),
			Dirty:   s.doc.Dirty(),
		}
	case drainMsg:
		s.shutdown("server shutdown")
		close(msg.reply)
		return true
	}
	return false
}

func (s *Session) handleJoin(m joinMsg) {
	s.lastActivity = time.Now()

	// 같은 클라이언트 ID의 기존 연결은 새 연결로 대체됩니다.
	if old, ok := s.clients[m.client.info.ID]; ok {
		delete(s.clients, old.info.ID)
		old.sink.Kick(protocol.CloseNormal, "superseded by new connection")
	}

	s.clients[m.client.info.ID] = m.client
	text, version := s.doc.Snapshot()
	s.send(m.client, protocol.NewSync(text, version, s.peers(m.client.info.ID)))
	s.broadcast(m.client.info.ID, protocol.NewUserJoined(m.client.info.ID, m.client.info.UserID, m.client.info.Name, m.client.color))

	s.logger.Info("Client joined",
		zap.String("doc_id", s.docID),
		zap.String("client_id", m.client.info.ID),
		zap.String("user_id", m.client.info.UserID),
		zap.Int("clients", len(s.clients)))

	m.reply <- nil
}

func (s *Session) handleLeave(m leaveMsg) {
	c, ok := s.clients[m.clientID]
	if !ok {
		return
	}
	s.lastActivity = time.Now()
	delete(s.clients, m.clientID)
	s.broadcast("", protocol.NewUserLeft(c.info.ID, c.info.UserID, c.info.Name, c.color))

	s.logger.Info("Client left",
		zap.String("doc_id", s.docID),
		zap.String("client_id", c.info.ID),
		zap.Int("clients", len(s.clients)))
}

func (s *Session) handleOp(m opMsg) {
	c, ok := s.clients[m.clientID]
	if !ok {
		return
	}
	s.lastActivity = time.Now()

	if m.op == nil {
		s.resync(c, protocol.ErrKindInvalidOperation, "malformed operation components")
		return
	}

	applied, version, err := s.doc.ApplyClient(m.op, c.info.UserID, m.baseVersion)
	if err != nil {
		switch {
		case errors.Is(err, document.ErrFutureVersion):
			// 문서보다 앞선 버전을 주장하는 클라이언트는 프로토콜 위반
			s.logger.Warn("Future base version",
				zap.String("doc_id", s.docID),
				zap.String("client_id", c.info.ID),
				zap.Uint64("base_version", m.baseVersion),
				zap.Uint64("version", s.doc.Version()))
			s.evict(c, protocol.CloseProtocolViolation, "base version ahead of document")
		case errors.Is(err, document.ErrVersionTooOld):
			s.resync(c, protocol.ErrKindVersionTooOld, err.Error())
		case errors.Is(err, document.ErrOutOfBounds):
			s.resync(c, protocol.ErrKindIndexOutOfBounds, err.Error())
		default:
			s.resync(c, protocol.ErrKindInvalidOperation, err.Error())
		}
		return
	}

	// 적용된 연산을 따라 저장된 커서들을 새 좌표계로 이동
	for _, peer := range s.clients {
		if peer.cursor != nil {
			peer.cursor.shift(applied)
		}
	}

	s.send(c, protocol.NewAck(m.clientSeq, version))
	s.broadcast(c.info.ID, protocol.NewRemoteOp(applied, version, c.info.UserID))
	s.appendOpLog(applied, version, c.info.UserID)
}

func (s *Session) handleCursor(m cursorMsg) {
	c, ok := s.clients[m.clientID]
	if !ok {
		return
	}
	s.lastActivity = time.Now()

	state := &cursorState{
		offset: s.doc.RebaseOffset(s.doc.OffsetOf(m.line, m.column), m.atVersion),
	}
	var selection *protocol.Selection
	if m.selection != nil {
		state.anchor = s.doc.RebaseOffset(s.doc.OffsetOf(int(m.selection.Anchor.Line), int(m.selection.Anchor.Column)), m.atVersion)
		state.head = s.doc.RebaseOffset(s.doc.OffsetOf(int(m.selection.Head.Line), int(m.selection.Head.Column)), m.atVersion)
		state.hasSel = true
		selection = &protocol.Selection{Anchor: s.position(state.anchor), Head: s.position(state.head)}
	}
	c.cursor = state

	cursor := s.position(state.offset)
	s.broadcast(c.info.ID, protocol.NewRemoteCursor(c.info.ID, &cursor, selection, s.doc.Version()))
}

// handleTick은 주기 작업을 수행합니다. 세션을 종료해야 하면 true를 반환합니다.
func (s *Session) handleTick() bool {
	now := time.Now()

	if s.doc.Dirty() && now.Sub(s.lastPersist) >= s.cfg.PersistInterval {
		s.lastPersist = now
		s.persist()
	}

	if len(s.clients) == 0 && now.Sub(s.lastActivity) >= s.cfg.IdleTimeout {
		s.shutdown("idle")
		return true
	}
	return false
}

// persist는 현재 문서 스냅샷을 저장소에 씁니다.
// 실패하면 기록만 하고 다음 주기에 재시도합니다.
func (s *Session) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()

	text, version := s.doc.Snapshot()
	if err := s.store.Save(ctx, &storage.Snapshot{ID: s.docID, Text: text, Version: version}); err != nil {
		s.logger.Error("Persist failed",
			zap.String("doc_id", s.docID),
			zap.Uint64("version", version),
			zap.Error(err))
		return
	}
	s.doc.MarkClean()

	s.logger.Debug("Persisted document",
		zap.String("doc_id", s.docID),
		zap.Uint64("version", version))
}

// shutdown은 세션을 종료 상태로 전환합니다. 레지스트리 슬롯을 쥔 채로
// 마지막 저장을 마친 뒤에 제거하므로, 경쟁하는 참여자는 저장된 버전을
// 읽는 새 세션으로 라우팅됩니다.
func (s *Session) shutdown(reason string) {
	s.draining.Store(true)
	if s.doc.Dirty() {
		s.persist()
	}
	if s.registry != nil {
		s.registry.remove(s.docID, s)
	}
	for _, c := range s.clients {
		c.sink.Kick(protocol.CloseNormal, reason)
	}

	s.logger.Info("Session stopped",
		zap.String("doc_id", s.docID),
		zap.Uint64("version", s.doc.Version()),
		zap.String("reason", reason))
}

// send는 클라이언트 하나에 메시지를 보냅니다.
// 송신 큐가 가득 찬 클라이언트는 느린 소비자로 퇴출됩니다.
func (s *Session) send(c *client, msg protocol.ServerMessage) {
	if c.sink.TrySend(msg) {
		return
	}
	s.evict(c, protocol.CloseSlowConsumer, "send queue full")
}

// broadcast는 excludeID를 제외한 모든 클라이언트에 메시지를 보냅니다.
func (s *Session) broadcast(excludeID string, msg protocol.ServerMessage) {
	var evicted []*client
	for id, c := range s.clients {
		if id == excludeID {
			continue
		}
		if !c.sink.TrySend(msg) {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		s.evict(c, protocol.CloseSlowConsumer, "send queue full")
	}
}

// evict는 클라이언트를 로스터에서 제거하고 연결 종료를 요청합니다.
func (s *Session) evict(c *client, code int, reason string) {
	if _, ok := s.clients[c.info.ID]; !ok {
		return
	}
	delete(s.clients, c.info.ID)
	c.sink.Kick(code, reason)

	s.logger.Warn("Client evicted",
		zap.String("doc_id", s.docID),
		zap.String("client_id", c.info.ID),
		zap.Int("code", code),
		zap.String("reason", reason))

	s.broadcast("", protocol.NewUserLeft(c.info.ID, c.info.UserID, c.info.Name, c.color))
}

// resync는 오류 메시지와 함께 현재 문서 상태를 다시 보냅니다.
func (s *Session) resync(c *client, kind, message string) {
	s.send(c, protocol.NewError(kind, message))
	if _, ok := s.clients[c.info.ID]; !ok {
		return
	}
	text, version := s.doc.Snapshot()
	s.send(c, protocol.NewSync(text, version, s.peers(c.info.ID)))
}

// peers는 excludeID를 제외한 현재 참여자 목록을 만듭니다.
func (s *Session) peers(excludeID string) []protocol.Peer {
	peers := make([]protocol.Peer, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeID {
			continue
		}
		peer := protocol.Peer{
			ClientID: c.info.ID,
			UserID:   c.info.UserID,
			Name:     c.info.Name,
			Color:    c.color,
		}
		if c.cursor != nil {
			cursor := s.position(c.cursor.offset)
			peer.Cursor = &cursor
		}
		peers = append(peers, peer)
	}
	return peers
}

// position은 문서 오프셋을 와이어 좌표로 변환합니다.
func (s *Session) position(offset int) protocol.Position {
	line, column := s.doc.PositionAt(offset)
	return protocol.Position{Line: uint32(line), Column: uint32(column)}
}

// appendOpLog는 적용된 연산을 감사 기록에 비동기로 남깁니다.
// 기록 실패는 문서 동기화에 영향을 주지 않습니다.
func (s *Session) appendOpLog(op *ot.Operation, version uint64, authorID string) {
	if s.oplog == nil {
		return
	}
	components, err := json.Marshal(op)
	if err != nil {
		return
	}
	entry := &storage.OpEntry{
		DocID:      s.docID,
		Version:    version,
		AuthorID:   authorID,
		Components: string(components),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer cancel()
		if err := s.oplog.Append(ctx, entry); err != nil {
			s.logger.Warn("Op log append failed",
				zap.String("doc_id", entry.DocID),
				zap.Uint64("version", entry.Version),
				zap.Error(err))
		}
	}()
}

// 사용자에게 배정할 커서 색상 팔레트
var colorPalette = [...]string{
	"#e06c75", "#e5c07b", "#98c379", "#56b6c2", "#61afef",
	"#c678dd", "#d19a66", "#f47fb4", "#8ab4f8", "#34d399",
}

// colorFor는 사용자 ID에서 결정적으로 색상을 고릅니다.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}
