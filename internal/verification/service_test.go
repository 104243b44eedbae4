package verification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/keshon/gatekeeper/internal/storage"
	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	guild = "100"
	user  = "200"
)

type fakeDirectory struct {
	mu        sync.Mutex
	members   map[string]*Member
	roles     []Role
	created   int
	added     []string
	kicked    []string
	failAdd   error
	failRoles error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: map[string]*Member{}}
}

func (d *fakeDirectory) addMember(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.UserID] = &m
}

func (d *fakeDirectory) Member(_ context.Context, _, userID string) (*Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	cp := *m
	return &cp, nil
}

func (d *fakeDirectory) Roles(context.Context, string) ([]Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRoles != nil {
		return nil, d.failRoles
	}
	return append([]Role(nil), d.roles...), nil
}

func (d *fakeDirectory) CreateRole(_ context.Context, _, name string, _ int, _ string) (*Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	r := Role{ID: "role-" + name, Name: name}
	d.roles = append(d.roles, r)
	return &r, nil
}

func (d *fakeDirectory) AddRole(_ context.Context, _, userID, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAdd != nil {
		return d.failAdd
	}
	d.added = append(d.added, userID)
	if m, ok := d.members[userID]; ok {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	return nil
}

func (d *fakeDirectory) Kick(_ context.Context, _, userID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicked = append(d.kicked, userID)
	return nil
}

func (d *fakeDirectory) kickedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.kicked...)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAuditor) Audit(_ context.Context, ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) kinds() []AuditKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditKind, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Kind
	}
	return out
}

// fixedMath always issues the same problem.
type fixedMath struct {
	problem string
	answer  int
}

func (fixedMath) Step() st.Step { return st.StepMath }
func (fixedMath) Enabled(cfg st.GuildConfig) bool { return cfg.RequireMath }
func (fixedMath) Check(rec *st.PendingVerification, answer string) bool {
	return MathChallenge{}.Check(rec, answer)
}
func (f fixedMath) Issue(rec *st.PendingVerification) error {
	rec.Math = &st.MathProblem{Problem: f.problem, Answer: f.answer}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *Service
	store *storage.Storage
	dir   *fakeDirectory
	clock *clock
	audit *recordingAuditor
}

func newHarness(t *testing.T, cfg st.GuildConfig, challenges ...ChallengeFactory) *harness {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	cfg.GuildID = guild
	require.NoError(t, store.SetGuildConfig(context.Background(), cfg))

	h := &harness{
		store: store,
		dir:   newFakeDirectory(),
		clock: &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		audit: &recordingAuditor{},
	}
	h.dir.addMember(Member{UserID: user, Username: "alice", CreatedAt: h.clock.now.AddDate(-1, 0, 0)})

	opts := Options{Now: h.clock.Now, Auditor: h.audit}
	if len(challenges) > 0 {
		opts.Challenges = challenges
	}
	h.svc = NewService(store, h.dir, opts)
	t.Cleanup(h.svc.Close)
	return h
}

func enabledConfig() st.GuildConfig {
	cfg := st.DefaultGuildConfig(guild)
	cfg.Enabled = true
	cfg.AutoKickUnverified = false
	return cfg
}

func humanSignals(start time.Time) Signals {
	t := start.UnixMilli()
	return Signals{
		TimeSpentSeconds:      10,
		InteractionCount:      5,
		InteractionTimestamps: []int64{t, t + 500, t + 1200, t + 2100, t + 3000},
	}
}

func TestStart_ButtonOnlyFlowVerifies(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
	assert.Equal(t, StateScoring, res.State)
	require.NotNil(t, res.Pending)
	assert.Equal(t, []st.Step{st.StepButton}, res.Pending.Required)
	assert.Empty(t, res.Pending.Outstanding())
	assert.Equal(t, h.clock.now.Add(DefaultPendingTTL), res.Pending.ExpiresAt)

	fin, err := h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
	assert.Equal(t, 100, fin.Score)
	assert.Empty(t, fin.Triggered)
	assert.NoError(t, fin.RoleErr)

	v, err := h.store.GetVerified(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, "button", v.Method)
	assert.Equal(t, 100, v.Score)

	_, err = h.store.GetPending(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, 1, h.dir.created)
	assert.Equal(t, []string{user}, h.dir.added)
	assert.Equal(t, []AuditKind{AuditVerified}, h.audit.kinds())
}

func TestSubmitMath_WrongThenRight(t *testing.T) {
	cfg := enabledConfig()
	cfg.RequireMath = true
	h := newHarness(t, cfg, fixedMath{problem: "4 * 7", answer: 28})
	ctx := context.Background()

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, res.State)
	assert.Equal(t, "4 * 7", res.Pending.Math.Problem)

	step, err := h.svc.SubmitMath(ctx, guild, user, 27)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStepRejected, step.Outcome)
	assert.Equal(t, StateIssued, step.State, "a wrong answer does not advance the state")
	assert.Equal(t, []st.Step{st.StepMath}, step.Remaining)

	step, err = h.svc.SubmitMath(ctx, guild, user, 28)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStepAccepted, step.Outcome)
	assert.Equal(t, StateScoring, step.State)
	assert.Empty(t, step.Remaining)
}

func TestSubmitCode_CaseInsensitiveAndUnrequiredStep(t *testing.T) {
	cfg := enabledConfig()
	cfg.RequireCode = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	code := res.Pending.Code
	require.Len(t, code, 6)

	_, err = h.svc.SubmitMath(ctx, guild, user, 1)
	assert.ErrorIs(t, err, ErrStepNotRequired)

	_, err = h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	assert.ErrorIs(t, err, ErrStepsIncomplete)

	step, err := h.svc.SubmitCode(ctx, guild, user, " "+strings.ToLower(code)+" ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStepAccepted, step.Outcome)

	fin, err := h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
	assert.Equal(t, "button+code", fin.Record.Method)
}

func TestStates_IssuedThenAwaitingThenScoring(t *testing.T) {
	cfg := enabledConfig()
	cfg.RequireCode = true
	cfg.RequireMath = true
	h := newHarness(t, cfg, CodeChallenge{}, fixedMath{problem: "3 + 4", answer: 7})
	ctx := context.Background()

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, res.State)

	status, err := h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, status.State)

	step, err := h.svc.SubmitCode(ctx, guild, user, res.Pending.Code)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingSteps, step.State)

	fin, err := h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	assert.ErrorIs(t, err, ErrStepsIncomplete)
	assert.Equal(t, StateAwaitingSteps, fin.State)

	step, err = h.svc.SubmitMath(ctx, guild, user, 7)
	require.NoError(t, err)
	assert.Equal(t, StateScoring, step.State)

	status, err = h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateScoring, status.State)
}

func TestStart_PolicyRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("bot", func(t *testing.T) {
		h := newHarness(t, enabledConfig())
		h.dir.addMember(Member{UserID: user, Username: "robo", Bot: true, CreatedAt: h.clock.now.AddDate(-1, 0, 0)})

		res, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBotRejected, res.Outcome)
		assert.Nil(t, res.Pending)

		_, err = h.store.GetPending(ctx, guild, user)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, []AuditKind{AuditPolicyRejected}, h.audit.kinds())
	})

	t.Run("bot allowed when prevention is off", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.PreventBots = false
		h := newHarness(t, cfg)
		h.dir.addMember(Member{UserID: user, Bot: true, CreatedAt: h.clock.now.AddDate(-1, 0, 0)})

		res, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
	})

	t.Run("account too new", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.AccountAgeMinDays = 7
		h := newHarness(t, cfg)
		h.dir.addMember(Member{UserID: user, CreatedAt: h.clock.now.Add(-2 * 24 * time.Hour)})

		res, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccountTooNew, res.Outcome)

		_, err = h.store.GetPending(ctx, guild, user)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("account exactly old enough", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.AccountAgeMinDays = 7
		h := newHarness(t, cfg)
		h.dir.addMember(Member{UserID: user, CreatedAt: h.clock.now.Add(-7 * 24 * time.Hour)})

		res, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Enabled = false
		h := newHarness(t, cfg)

		res, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDisabled, res.Outcome)

		_, err = h.store.GetPending(ctx, guild, user)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestStart_AlreadyVerified(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	require.NoError(t, h.store.PutVerified(ctx, st.VerifiedUser{GuildID: guild, UserID: user, VerifiedAt: h.clock.now, Method: "button", Score: 90}))

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyVerified, res.Outcome)

	_, err = h.store.GetPending(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStart_RestartReplacesPending(t *testing.T) {
	cfg := enabledConfig()
	cfg.RequireCode = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	first, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	second, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.NotEqual(t, first.Pending.ChallengeID, second.Pending.ChallengeID)

	got, err := h.store.GetPending(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, second.Pending.ChallengeID, got.ChallengeID)
	assert.Equal(t, []string{expiryJob(guild, user)}, h.svc.PendingJobs())
}

func TestFinalize_LowScoreRejects(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)

	t0 := h.clock.now.UnixMilli()
	fin, err := h.svc.Finalize(ctx, guild, user, Signals{
		TimeSpentSeconds:      2,
		InteractionCount:      5,
		InteractionTimestamps: []int64{t0, t0 + 50, t0 + 90},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, fin.Outcome)
	assert.Equal(t, 30, fin.Score)
	assert.Equal(t, []string{"too_fast", "robotic_timing"}, fin.Triggered)

	_, err = h.store.GetPending(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.GetVerified(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, h.dir.added)
	assert.Equal(t, []AuditKind{AuditRejected}, h.audit.kinds())

	// the user may start over
	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
}

func TestFinalize_ScoreAtThresholdVerifies(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)

	t0 := h.clock.now.UnixMilli()
	fin, err := h.svc.Finalize(ctx, guild, user, Signals{
		TimeSpentSeconds:      3,
		InteractionCount:      2,
		InteractionTimestamps: []int64{t0, t0 + 400},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, fin.Score)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
}

func TestThreshold_ExplicitZeroIsKept(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.SetGuildConfig(ctx, enabledConfig()))

	dir := newFakeDirectory()
	dir.addMember(Member{UserID: user, CreatedAt: time.Now().AddDate(-1, 0, 0)})

	defaulted := NewService(store, dir, Options{})
	defer defaulted.Close()
	assert.Equal(t, DefaultThreshold, defaulted.Threshold())

	zero := 0
	svc := NewService(store, dir, Options{Threshold: &zero})
	defer svc.Close()
	assert.Equal(t, 0, svc.Threshold())

	_, err := svc.Start(ctx, guild, user)
	require.NoError(t, err)
	fin, err := svc.Finalize(ctx, guild, user, Signals{
		TimeSpentSeconds:      1,
		InteractionCount:      1,
		InteractionTimestamps: []int64{1000, 1010},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, fin.Score)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
}

func TestFinalize_RoleFailureKeepsVerifiedRecord(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.dir.failAdd = errors.New("missing permissions")
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)

	fin, err := h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
	assert.ErrorIs(t, fin.RoleErr, ErrRoleGrant)

	_, err = h.store.GetVerified(ctx, guild, user)
	assert.NoError(t, err)
	_, err = h.store.GetPending(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []AuditKind{AuditRoleFailed}, h.audit.kinds())
}

func TestExpiry_LazyOnRead(t *testing.T) {
	cfg := enabledConfig()
	cfg.RequireMath = true
	h := newHarness(t, cfg, fixedMath{problem: "2 + 2", answer: 4})
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)

	h.clock.Advance(DefaultPendingTTL - time.Second)
	status, err := h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, status.State)

	h.clock.Advance(time.Second)
	_, err = h.svc.SubmitMath(ctx, guild, user, 4)
	assert.ErrorIs(t, err, ErrNoPending)

	_, err = h.store.GetPending(ctx, guild, user)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
}

func TestStatus_ReportsExpired(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)

	h.clock.Advance(DefaultPendingTTL)
	status, err := h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, status.State)

	status, err = h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, status.State)
}

func TestExpiry_TimerDeletesOnlyItsOwnChallenge(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	cfg := enabledConfig()
	require.NoError(t, store.SetGuildConfig(ctx, cfg))

	dir := newFakeDirectory()
	dir.addMember(Member{UserID: user, CreatedAt: time.Now().AddDate(-1, 0, 0)})
	svc := NewService(store, dir, Options{PendingTTL: 50 * time.Millisecond})
	defer svc.Close()

	_, err := svc.Start(ctx, guild, user)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.GetPending(ctx, guild, user)
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	// a stale timer must not remove a record it did not create
	require.NoError(t, store.PutPending(ctx, st.PendingVerification{
		ChallengeID: "other", GuildID: guild, UserID: user,
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	svc.scheduleExpiry(st.PendingVerification{ChallengeID: "stale", GuildID: guild, UserID: user})

	require.Eventually(t, func() bool { return len(svc.PendingJobs()) == 0 }, 2*time.Second, 10*time.Millisecond)
	got, err := store.GetPending(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, "other", got.ChallengeID)
}

// pausingStore holds the first GetPending call after it has read the record,
// until resume is closed.
type pausingStore struct {
	*storage.Storage
	once   sync.Once
	paused chan struct{}
	resume chan struct{}
}

func (p *pausingStore) GetPending(ctx context.Context, guildID, userID string) (*st.PendingVerification, error) {
	rec, err := p.Storage.GetPending(ctx, guildID, userID)
	hold := false
	p.once.Do(func() { hold = true })
	if hold {
		close(p.paused)
		<-p.resume
	}
	return rec, err
}

func TestExpiry_StartDuringTimerIsNotDeleted(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.SetGuildConfig(ctx, enabledConfig()))

	dir := newFakeDirectory()
	dir.addMember(Member{UserID: user, CreatedAt: time.Now().AddDate(-1, 0, 0)})
	ps := &pausingStore{Storage: store, paused: make(chan struct{}), resume: make(chan struct{})}
	svc := NewService(ps, dir, Options{})
	defer svc.Close()

	require.NoError(t, store.PutPending(ctx, st.PendingVerification{
		ChallengeID: "old", GuildID: guild, UserID: user, ExpiresAt: time.Now().Add(time.Hour),
	}))
	svc.scheduleExpiry(st.PendingVerification{ChallengeID: "old", GuildID: guild, UserID: user})

	select {
	case <-ps.paused:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry timer did not fire")
	}

	type started struct {
		res StartResult
		err error
	}
	done := make(chan started, 1)
	go func() {
		res, err := svc.Start(ctx, guild, user)
		done <- started{res, err}
	}()

	select {
	case <-done:
		t.Fatal("start ran while the expiry timer was between its check and delete")
	case <-time.After(50 * time.Millisecond):
	}
	close(ps.resume)

	var got started
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start never finished")
	}
	require.NoError(t, got.err)
	require.Equal(t, OutcomeChallengeIssued, got.res.Outcome)

	cur, err := store.GetPending(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, got.res.Pending.ChallengeID, cur.ChallengeID)
	assert.Zero(t, svc.locks.size())
}

func TestFinalize_WithoutPending(t *testing.T) {
	h := newHarness(t, enabledConfig())
	_, err := h.svc.Finalize(context.Background(), guild, user, humanSignals(h.clock.now))
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestFinalizeRecorded_UsesStoredInteractions(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.svc.RecordInteraction(ctx, guild, user))
	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.svc.RecordInteraction(ctx, guild, user))
	h.clock.Advance(4 * time.Second)

	fin, err := h.svc.FinalizeRecorded(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, 100, fin.Score)
	assert.Equal(t, OutcomeVerified, fin.Outcome)
}

func TestReset_AllowsReverification(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	_, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	_, err = h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
	require.NoError(t, err)

	require.NoError(t, h.svc.Reset(ctx, guild, user))
	status, err := h.svc.Status(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, status.State)

	res, err := h.svc.Start(ctx, guild, user)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeIssued, res.Outcome)
}

func TestAutoKick(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.AutoKickUnverified = true
	cfg.AutoKickTimeMinutes = 30

	t.Run("unverified member is kicked", func(t *testing.T) {
		h := newHarness(t, cfg)
		require.NoError(t, h.svc.HandleMemberJoin(ctx, guild, user))
		assert.Equal(t, []string{kickJob(guild, user)}, h.svc.PendingJobs())

		deadlines, err := h.store.ListKickDeadlines(ctx, guild)
		require.NoError(t, err)
		require.Len(t, deadlines, 1)
		assert.Equal(t, h.clock.now.Add(30*time.Minute), deadlines[0].Deadline.UTC())

		kicked, err := h.svc.KickIfUnverified(ctx, guild, user)
		require.NoError(t, err)
		assert.True(t, kicked)
		deadlines, err = h.store.ListKickDeadlines(ctx, guild)
		require.NoError(t, err)
		assert.Empty(t, deadlines)
		assert.Equal(t, []string{user}, h.dir.kicked)
		assert.Equal(t, []AuditKind{AuditKicked}, h.audit.kinds())
	})

	t.Run("verified member is kept", func(t *testing.T) {
		h := newHarness(t, cfg)
		require.NoError(t, h.svc.HandleMemberJoin(ctx, guild, user))

		_, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)
		_, err = h.svc.Finalize(ctx, guild, user, humanSignals(h.clock.now))
		require.NoError(t, err)
		assert.Empty(t, h.svc.PendingJobs())
		deadlines, err := h.store.ListKickDeadlines(ctx, guild)
		require.NoError(t, err)
		assert.Empty(t, deadlines)

		kicked, err := h.svc.KickIfUnverified(ctx, guild, user)
		require.NoError(t, err)
		assert.False(t, kicked)
		assert.Empty(t, h.dir.kicked)
	})

	t.Run("leaving clears timers and pending", func(t *testing.T) {
		h := newHarness(t, cfg)
		require.NoError(t, h.svc.HandleMemberJoin(ctx, guild, user))
		_, err := h.svc.Start(ctx, guild, user)
		require.NoError(t, err)

		require.NoError(t, h.svc.HandleMemberLeave(ctx, guild, user))
		assert.Empty(t, h.svc.PendingJobs())
		_, err = h.store.GetPending(ctx, guild, user)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("disabled auto kick arms nothing", func(t *testing.T) {
		h := newHarness(t, enabledConfig())
		require.NoError(t, h.svc.HandleMemberJoin(ctx, guild, user))
		assert.Empty(t, h.svc.PendingJobs())
	})
}

func TestRestoreTimers(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.AutoKickUnverified = true
	cfg.AutoKickTimeMinutes = 30
	h := newHarness(t, cfg)
	now := h.clock.now

	h.dir.addMember(Member{UserID: "300", Username: "late"})
	require.NoError(t, h.store.PutKickDeadline(ctx, st.KickDeadline{GuildID: guild, UserID: "300", Deadline: now.Add(-time.Minute)}))
	require.NoError(t, h.store.PutKickDeadline(ctx, st.KickDeadline{GuildID: guild, UserID: "400", Deadline: now.Add(-time.Minute)}))
	require.NoError(t, h.store.PutVerified(ctx, st.VerifiedUser{GuildID: guild, UserID: "400", VerifiedAt: now}))

	require.NoError(t, h.store.PutPending(ctx, st.PendingVerification{
		ChallengeID: "live", GuildID: guild, UserID: user, StartedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, h.store.PutPending(ctx, st.PendingVerification{
		ChallengeID: "stale", GuildID: guild, UserID: "500", StartedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second),
	}))

	require.NoError(t, h.svc.RestoreTimers(ctx, guild))

	_, err := h.store.GetPending(ctx, guild, "500")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.GetPending(ctx, guild, user)
	assert.NoError(t, err)
	assert.Contains(t, h.svc.PendingJobs(), expiryJob(guild, user))

	require.Eventually(t, func() bool {
		deadlines, err := h.store.ListKickDeadlines(ctx, guild)
		return err == nil && len(deadlines) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"300"}, h.dir.kickedIDs())
}
