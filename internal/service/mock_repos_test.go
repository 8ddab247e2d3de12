package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// ── 内存存储 ──
// 所有 mock 仓储共享一把锁，每个方法等价于一个事务，可直接用于并发测试。

type memStore struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*model.Session
	enroll   map[string]map[string]bool
	chains   map[string]*model.Chain
	tokens   map[string]*model.ChainToken
	hops     []model.ChainHop
	rotating []model.RotatingToken
	records  map[string]*model.AttendanceRecord

	// failWith 非空时，所有方法直接返回该错误（模拟存储不可用）
	failWith error
	// beforeHandoff 在 ApplyHandoff 校验前执行，调用时已持有 mu（模拟并发提交的另一次交接）
	beforeHandoff func(m *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*model.Session),
		enroll:   make(map[string]map[string]bool),
		chains:   make(map[string]*model.Chain),
		tokens:   make(map[string]*model.ChainToken),
		records:  make(map[string]*model.AttendanceRecord),
	}
}

func (m *memStore) repository() *repository.Repository {
	return &repository.Repository{
		Session:    &mockSessionRepo{m},
		Enrollment: &mockEnrollmentRepo{m},
		Chain:      &mockChainRepo{m},
		Token:      &mockTokenRepo{m},
		Attendance: &mockAttendanceRepo{m},
	}
}

func recordKey(sessionID, studentID string) string { return sessionID + "|" + studentID }

func (m *memStore) activeSession(id string) error {
	sess, ok := m.sessions[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if sess.Status != model.SessionActive {
		return repository.ErrSessionNotActive
	}
	return nil
}

func (m *memStore) revokeLive(chainID string, at time.Time) {
	for _, tok := range m.tokens {
		if tok.ChainID == chainID && tok.Live() {
			t := at
			tok.RevokedAt = &t
		}
	}
}

func (m *memStore) markVerified(sessionID, studentID string, phase model.Phase, at time.Time) {
	key := recordKey(sessionID, studentID)
	rec, ok := m.records[key]
	if !ok {
		rec = &model.AttendanceRecord{SessionID: sessionID, StudentID: studentID}
		m.records[key] = rec
	}
	t := at
	if phase == model.PhaseEntry {
		if rec.EntryStatus == model.EntryNone {
			rec.EntryStatus = model.EntryPresent
			rec.EntryAt = &t
		}
		return
	}
	if !rec.ExitVerified {
		rec.ExitVerified = true
		rec.ExitVerifiedAt = &t
	}
}

// holderBusy 调用方持有 m.mu
func (m *memStore) holderBusy(sessionID string, phase model.Phase, studentID string, except map[string]bool) bool {
	for _, c := range m.chains {
		if c.SessionID == sessionID && c.Phase == phase && !except[c.ChainID] &&
			c.State != model.ChainCompleted && c.Holder() == studentID {
			return true
		}
	}
	return false
}

// ── Mock SessionRepository ──

type mockSessionRepo struct{ m *memStore }

func (r *mockSessionRepo) Create(_ context.Context, sess *model.Session, studentIDs []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return r.m.failWith
	}
	if sess.SessionID == "" {
		r.m.seq++
		sess.SessionID = fmt.Sprintf("sess-%d", r.m.seq)
	}
	cp := *sess
	r.m.sessions[sess.SessionID] = &cp
	if len(studentIDs) > 0 {
		set, ok := r.m.enroll[sess.ClassID]
		if !ok {
			set = make(map[string]bool)
			r.m.enroll[sess.ClassID] = set
		}
		for _, id := range studentIDs {
			set[id] = true
		}
	}
	return nil
}

func (r *mockSessionRepo) GetByID(_ context.Context, id string) (*model.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	sess, ok := r.m.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *mockSessionRepo) ListActive(_ context.Context) ([]model.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Session
	for _, s := range r.m.sessions {
		if s.Status == model.SessionActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *mockSessionRepo) SetEarlyLeave(_ context.Context, id string, active bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.activeSession(id); err != nil {
		if err == gorm.ErrRecordNotFound {
			return repository.ErrSessionNotActive
		}
		return err
	}
	r.m.sessions[id].EarlyLeaveActive = active
	return nil
}

func (r *mockSessionRepo) End(_ context.Context, id string, at time.Time, finalize repository.FinalizeFunc) ([]model.AttendanceRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	if err := r.m.activeSession(id); err != nil {
		return nil, err
	}
	sess := r.m.sessions[id]
	t := at
	sess.Status = model.SessionEnded
	sess.EndedAt = &t
	sess.EarlyLeaveActive = false

	var roster []string
	for sid := range r.m.enroll[sess.ClassID] {
		roster = append(roster, sid)
	}
	sort.Strings(roster)
	var records []model.AttendanceRecord
	for _, rec := range r.m.records {
		if rec.SessionID == id {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StudentID < records[j].StudentID })

	final := finalize(id, roster, records, at)
	for i := range final {
		cp := final[i]
		r.m.records[recordKey(id, cp.StudentID)] = &cp
	}
	return final, nil
}

// ── Mock EnrollmentRepository ──

type mockEnrollmentRepo struct{ m *memStore }

func (r *mockEnrollmentRepo) ReplaceRoster(_ context.Context, classID string, studentIDs []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return r.m.failWith
	}
	set := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		set[id] = true
	}
	r.m.enroll[classID] = set
	return nil
}

func (r *mockEnrollmentRepo) ListStudentIDs(_ context.Context, classID string) ([]string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	var ids []string
	for id := range r.m.enroll[classID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ── Mock ChainRepository ──

type mockChainRepo struct{ m *memStore }

func (r *mockChainRepo) CreateChains(_ context.Context, chains []model.Chain, tokens []model.ChainToken) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return r.m.failWith
	}
	if len(chains) == 0 {
		return nil
	}
	if err := r.m.activeSession(chains[0].SessionID); err != nil {
		return err
	}
	maxIndex := 0
	for _, c := range r.m.chains {
		if c.SessionID == chains[0].SessionID && c.Phase == chains[0].Phase && c.Index > maxIndex {
			maxIndex = c.Index
		}
	}
	for i := range chains {
		if r.m.holderBusy(chains[i].SessionID, chains[i].Phase, chains[i].Holder(), nil) {
			return repository.ErrHolderBusy
		}
	}
	for i := range chains {
		chains[i].Index = maxIndex + i + 1
		cp := chains[i]
		r.m.chains[cp.ChainID] = &cp
	}
	for i := range tokens {
		cp := tokens[i]
		r.m.tokens[cp.TokenID] = &cp
	}
	return nil
}

func (r *mockChainRepo) GetByID(_ context.Context, id string) (*model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	c, ok := r.m.chains[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *mockChainRepo) ListBySession(_ context.Context, sessionID string, phase model.Phase) ([]model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	var out []model.Chain
	for _, c := range r.m.chains {
		if c.SessionID == sessionID && (phase == "" || c.Phase == phase) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (r *mockChainRepo) ApplyHandoff(_ context.Context, p *repository.HandoffParams) (*model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	if r.m.beforeHandoff != nil {
		r.m.beforeHandoff(r.m)
	}
	if err := r.m.activeSession(p.SessionID); err != nil {
		return nil, err
	}
	chain, ok := r.m.chains[p.ChainID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if chain.State != model.ChainActive {
		return nil, repository.ErrChainNotActive
	}
	if chain.LastSeq != p.ExpectedSeq || chain.Holder() != p.FromHolder {
		return nil, pkgerrors.ErrOptimisticLock
	}
	if r.m.holderBusy(p.SessionID, chain.Phase, p.ToHolder, map[string]bool{chain.ChainID: true}) {
		return nil, repository.ErrHolderBusy
	}
	tok, ok := r.m.tokens[p.TokenID]
	if !ok || tok.Etag != p.Etag || !tok.Live() {
		return nil, pkgerrors.ErrOptimisticLock
	}

	at := p.At
	by := p.ToHolder
	tok.Etag = p.ConsumedEtag
	tok.ConsumedAt = &at
	tok.ConsumedBy = &by

	chain.LastSeq++
	holder := p.ToHolder
	chain.LastHolder = &holder
	chain.LastAt = &at
	chain.Version++

	r.m.hops = append(r.m.hops, model.ChainHop{
		ChainID:         chain.ChainID,
		Sequence:        chain.LastSeq,
		FromHolder:      p.FromHolder,
		ToHolder:        p.ToHolder,
		TokenID:         p.TokenID,
		ScannedAt:       p.At,
		LocationWarning: p.LocationWarning,
	})
	r.m.markVerified(p.SessionID, p.FromHolder, chain.Phase, p.At)

	next := *p.NextToken
	r.m.tokens[next.TokenID] = &next

	cp := *chain
	return &cp, nil
}

func (r *mockChainRepo) Reassign(_ context.Context, params []repository.ReassignParams) ([]model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	if len(params) == 0 {
		return nil, nil
	}
	if err := r.m.activeSession(params[0].SessionID); err != nil {
		return nil, err
	}
	batch := make(map[string]bool, len(params))
	for _, p := range params {
		batch[p.ChainID] = true
	}
	// 先全部校验再写入，保证整体原子
	for _, p := range params {
		c, ok := r.m.chains[p.ChainID]
		if !ok {
			return nil, gorm.ErrRecordNotFound
		}
		allowed := false
		for _, s := range p.AllowedStates {
			if c.State == s {
				allowed = true
			}
		}
		if !allowed {
			return nil, repository.ErrChainNotActive
		}
		if r.m.holderBusy(p.SessionID, c.Phase, p.NewHolder, batch) {
			return nil, repository.ErrHolderBusy
		}
	}
	out := make([]model.Chain, 0, len(params))
	for _, p := range params {
		c := r.m.chains[p.ChainID]
		r.m.revokeLive(c.ChainID, p.At)
		holder, at := p.NewHolder, p.At
		c.State = model.ChainActive
		c.LastHolder = &holder
		c.LastAt = &at
		c.Version++
		next := *p.NextToken
		r.m.tokens[next.TokenID] = &next
		out = append(out, *c)
	}
	return out, nil
}

func (r *mockChainRepo) RotateToken(_ context.Context, p *repository.RotateParams) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return r.m.failWith
	}
	if err := r.m.activeSession(p.SessionID); err != nil {
		return err
	}
	c, ok := r.m.chains[p.ChainID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if c.State != model.ChainActive {
		return repository.ErrChainNotActive
	}
	if c.Holder() != p.HolderID {
		return pkgerrors.ErrOptimisticLock
	}
	r.m.revokeLive(c.ChainID, p.At)
	next := *p.NextToken
	r.m.tokens[next.TokenID] = &next
	return nil
}

func (r *mockChainRepo) Close(_ context.Context, p *repository.CloseParams) (*model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	if err := r.m.activeSession(p.SessionID); err != nil {
		return nil, err
	}
	c, ok := r.m.chains[p.ChainID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if c.State == model.ChainCompleted {
		return nil, repository.ErrChainNotActive
	}
	if c.Holder() == "" || c.Holder() != p.ExpectedHolder {
		return nil, pkgerrors.ErrOptimisticLock
	}
	r.m.revokeLive(c.ChainID, p.At)
	c.State = model.ChainCompleted
	c.Version++
	r.m.markVerified(p.SessionID, c.Holder(), c.Phase, p.At)
	cp := *c
	return &cp, nil
}

func (r *mockChainRepo) MarkStalled(_ context.Context, cutoff time.Time) ([]model.Chain, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	var out []model.Chain
	for _, c := range r.m.chains {
		if c.State != model.ChainActive || c.LastAt == nil || !c.LastAt.Before(cutoff) {
			continue
		}
		if r.m.activeSession(c.SessionID) != nil {
			continue
		}
		c.State = model.ChainStalled
		c.Version++
		out = append(out, *c)
	}
	return out, nil
}

func (r *mockChainRepo) ListStalledIDs(_ context.Context, sessionID string) ([]string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	var stalled []model.Chain
	for _, c := range r.m.chains {
		if c.SessionID == sessionID && c.State == model.ChainStalled {
			stalled = append(stalled, *c)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].Index < stalled[j].Index })
	ids := make([]string, 0, len(stalled))
	for _, c := range stalled {
		ids = append(ids, c.ChainID)
	}
	return ids, nil
}

func (r *mockChainRepo) ListHops(_ context.Context, chainID string) ([]model.ChainHop, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.ChainHop
	for _, h := range r.m.hops {
		if h.ChainID == chainID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ── Mock TokenRepository ──

type mockTokenRepo struct{ m *memStore }

func (r *mockTokenRepo) GetChainToken(_ context.Context, tokenID string) (*model.ChainToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	tok, ok := r.m.tokens[tokenID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *tok
	return &cp, nil
}

func (r *mockTokenRepo) GetLiveChainToken(_ context.Context, chainID string) (*model.ChainToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, tok := range r.m.tokens {
		if tok.ChainID == chainID && tok.Live() {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *mockTokenRepo) CreateRotating(_ context.Context, tok *model.RotatingToken) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return r.m.failWith
	}
	r.m.rotating = append(r.m.rotating, *tok)
	return nil
}

func (r *mockTokenRepo) GetRotating(_ context.Context, tokenID string) (*model.RotatingToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.rotating {
		if r.m.rotating[i].TokenID == tokenID {
			cp := r.m.rotating[i]
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *mockTokenRepo) GetLatestRotating(_ context.Context, sessionID string, kind model.RotatingKind) (*model.RotatingToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := len(r.m.rotating) - 1; i >= 0; i-- {
		if r.m.rotating[i].SessionID == sessionID && r.m.rotating[i].Kind == kind {
			cp := r.m.rotating[i]
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// ── Mock AttendanceRepository ──

type mockAttendanceRepo struct{ m *memStore }

func (r *mockAttendanceRepo) Get(_ context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	rec, ok := r.m.records[recordKey(sessionID, studentID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *mockAttendanceRepo) ListBySession(_ context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failWith != nil {
		return nil, r.m.failWith
	}
	var out []model.AttendanceRecord
	for _, rec := range r.m.records {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (r *mockAttendanceRepo) MarkLateEntry(_ context.Context, sessionID, studentID string, at time.Time, warning string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.activeSession(sessionID); err != nil {
		return err
	}
	key := recordKey(sessionID, studentID)
	rec, ok := r.m.records[key]
	if !ok {
		rec = &model.AttendanceRecord{SessionID: sessionID, StudentID: studentID}
		r.m.records[key] = rec
	}
	if rec.EntryStatus != model.EntryNone {
		return pkgerrors.ErrOptimisticLock
	}
	t := at
	rec.EntryStatus = model.EntryLate
	rec.EntryAt = &t
	rec.LocationWarning = warning
	return nil
}

func (r *mockAttendanceRepo) MarkEarlyLeave(_ context.Context, sessionID, studentID string, at time.Time, warning string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.activeSession(sessionID); err != nil {
		return err
	}
	rec, ok := r.m.records[recordKey(sessionID, studentID)]
	if !ok || rec.EntryStatus == model.EntryNone || rec.EarlyLeaveAt != nil {
		return pkgerrors.ErrOptimisticLock
	}
	t := at
	rec.EarlyLeaveAt = &t
	rec.LocationWarning = warning
	return nil
}
