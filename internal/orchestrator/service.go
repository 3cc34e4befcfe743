// Package orchestrator is the method-call façade the external CRUD layer
// talks to. Every operation is addressed by a dotted method name with JSON
// params, so the surrounding transport (stdio, HTTP, a CLI once-mode) stays
// a thin shell around Handle.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cayde/foreman/internal/config"
	"github.com/cayde/foreman/internal/provider"
	"github.com/cayde/foreman/internal/store"
	"github.com/cayde/foreman/internal/tdd"
)

const stateDirName = ".foreman"

type Service struct {
	repoPath string
	store    *store.Store
	engine   *tdd.Engine
	config   config.Config
	logger   logrus.FieldLogger
}

func NewService(repoPath string, cfg config.Config, logger logrus.FieldLogger) (*Service, error) {
	absoluteRepoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}

	databasePath := filepath.Join(absoluteRepoPath, stateDirName, "state.db")
	stateStore, err := store.Open(databasePath)
	if err != nil {
		return nil, err
	}

	engine := tdd.NewEngine(stateStore, tdd.Config{
		BatchSize:       cfg.TDD.BatchSize,
		StuckThreshold:  cfg.TDD.StuckThreshold,
		DefaultProvider: cfg.Agent.DefaultProvider,
	}, fileContextLoader(absoluteRepoPath), logger)

	return &Service{
		repoPath: absoluteRepoPath,
		store:    stateStore,
		engine:   engine,
		config:   cfg,
		logger:   logger,
	}, nil
}

func (service *Service) Close() error {
	return service.store.Close()
}

// Store exposes the durable state for the dispatcher wiring in cmd.
func (service *Service) Store() *store.Store {
	return service.store
}

// Engine exposes the TDD engine as the dispatcher's session reactor.
func (service *Service) Engine() *tdd.Engine {
	return service.engine
}

func (service *Service) RepoPath() string {
	return service.repoPath
}

// fileContextLoader reads the optional shared context file once per cycle.
// Absence is not an error; sessions simply run without a bundle.
func fileContextLoader(repoPath string) tdd.ContextLoader {
	return func(ctx context.Context, session store.CodingSession) (string, error) {
		contents, err := os.ReadFile(filepath.Join(repoPath, stateDirName, "context.md"))
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(contents)), nil
	}
}

func (service *Service) Handle(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	switch method {
	case "workspace.init":
		return map[string]any{
			"repo_path": service.repoPath,
			"db_path":   service.store.DBPath(),
		}, nil
	case "job.submit":
		var input jobSubmitInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.SubmitJob(ctx, input)
	case "job.get":
		var input jobGetInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.store.GetJobByID(ctx, input.JobID)
	case "job.events":
		var input jobGetInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.store.ListJobEvents(ctx, input.JobID)
	case "session.create":
		var input sessionCreateInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.store.CreateCodingSession(ctx, store.SessionCreateArgs{
			TaskRef:        input.TaskRef,
			ProgrammerType: input.ProgrammerType,
		})
	case "session.start":
		var input sessionIDInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.StartTestGeneration(ctx, input.SessionID)
	case "session.status":
		var input sessionIDInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.SessionStatus(ctx, input.SessionID)
	case "session.pause":
		var input sessionIDInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.store.PauseSession(ctx, input.SessionID)
	case "session.resume":
		var input sessionIDInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.store.ResumeSession(ctx, input.SessionID)
	case "session.cancel":
		var input sessionIDInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.CancelSession(ctx, input.SessionID)
	case "tdd.initialize":
		var input tddInitializeInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.InitializeTDDCycle(ctx, input)
	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

// SubmitJob enqueues one plain agent job. The mode/prompt pair travels in
// the opaque args bag; the dispatcher picks the job up on its next poll.
func (service *Service) SubmitJob(ctx context.Context, input jobSubmitInput) (store.Job, error) {
	providerName := strings.TrimSpace(input.Provider)
	if providerName == "" {
		providerName = service.config.Agent.DefaultProvider
	}
	mode := strings.TrimSpace(input.Mode)
	if mode == "" {
		mode = provider.ModeImplement
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return store.Job{}, errors.New("prompt is required")
	}

	argsJSON, err := json.Marshal(store.JobArgs{Mode: mode, Prompt: input.Prompt, Phase: input.Phase})
	if err != nil {
		return store.Job{}, err
	}
	return service.store.CreateJob(ctx, store.JobCreateArgs{
		ProjectID: input.ProjectID,
		SessionID: input.SessionID,
		Provider:  providerName,
		Args:      argsJSON,
	})
}

// StartTestGeneration moves a pending session to generating_tests and
// enqueues the test-generation job that seeds the TDD cycle.
func (service *Service) StartTestGeneration(ctx context.Context, sessionID int64) (store.CodingSession, error) {
	session, err := service.store.GetCodingSession(ctx, sessionID)
	if err != nil {
		return store.CodingSession{}, err
	}
	if session.Status != store.SessionStatusPending {
		return store.CodingSession{}, fmt.Errorf("session %d cannot start test generation from status %s", sessionID, session.Status)
	}

	prompt := fmt.Sprintf(
		"Write a complete test suite for the following task before any implementation exists:\n\n%s\n\n"+
			"Emit the tests as a fenced JSON block: ```json\n[{\"name\":\"TestName\",\"code\":\"...\"}]\n```",
		session.TaskRef,
	)
	argsJSON, err := json.Marshal(store.JobArgs{
		Mode:   provider.ModeTestGeneration,
		Prompt: prompt,
		Phase:  provider.ModeTestGeneration,
	})
	if err != nil {
		return store.CodingSession{}, err
	}

	if _, err := service.store.CreateJob(ctx, store.JobCreateArgs{
		SessionID: &session.ID,
		Provider:  service.providerFor(session),
		Args:      argsJSON,
	}); err != nil {
		return store.CodingSession{}, err
	}
	return service.store.UpdateSessionStatus(ctx, sessionID, store.SessionStatusGeneratingTests)
}

func (service *Service) providerFor(session store.CodingSession) string {
	if _, err := provider.NewByType(session.ProgrammerType); err == nil {
		return session.ProgrammerType
	}
	return service.config.Agent.DefaultProvider
}

// InitializeTDDCycle hands an externally supplied test list to the engine.
func (service *Service) InitializeTDDCycle(ctx context.Context, input tddInitializeInput) (store.CodingSession, error) {
	tests := make([]tdd.TestCase, len(input.Tests))
	for i, test := range input.Tests {
		tests[i] = tdd.TestCase{Name: test.Name, Code: test.Code}
	}
	return service.engine.InitializeCycle(ctx, input.SessionID, tests)
}

// CancelSession fails the session on the user's behalf. An in-flight job is
// left to finish or time out on its own; its late completion is ignored
// because the session is already terminal.
func (service *Service) CancelSession(ctx context.Context, sessionID int64) (store.CodingSession, error) {
	if _, err := service.store.GetCodingSession(ctx, sessionID); err != nil {
		return store.CodingSession{}, err
	}
	service.logger.WithField("session_id", sessionID).Info("session cancelled")
	return service.store.FailSession(ctx, sessionID, "cancelled by user")
}

// SessionStatusView is the external projection of a session's progress.
type SessionStatusView struct {
	SessionID    int64   `json:"session_id"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	CurrentPhase string  `json:"current_phase,omitempty"`
	TestsPassed  int     `json:"tests_passed"`
	TestsTotal   int     `json:"tests_total"`
	Error        *string `json:"error,omitempty"`
}

func (service *Service) SessionStatus(ctx context.Context, sessionID int64) (SessionStatusView, error) {
	session, err := service.store.GetCodingSession(ctx, sessionID)
	if err != nil {
		return SessionStatusView{}, err
	}

	view := SessionStatusView{
		SessionID: session.ID,
		Status:    session.Status,
		Progress:  session.Progress,
		Error:     session.Error,
	}
	if cycle, parseErr := tdd.ParseCycle(session.Cycle); parseErr == nil {
		view.CurrentPhase = cycle.Phase
		view.TestsPassed = cycle.GreenCount()
		view.TestsTotal = cycle.TotalTests
	}
	return view, nil
}

func decodeParams(rawParams json.RawMessage, destination any) error {
	if len(rawParams) == 0 {
		rawParams = []byte("{}")
	}
	if err := json.Unmarshal(rawParams, destination); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

type jobSubmitInput struct {
	Provider  string `json:"provider"`
	Mode      string `json:"mode"`
	Prompt    string `json:"prompt"`
	Phase     string `json:"phase"`
	ProjectID *int64 `json:"project_id"`
	SessionID *int64 `json:"session_id"`
}

type jobGetInput struct {
	JobID int64 `json:"job_id"`
}

type sessionCreateInput struct {
	TaskRef        string `json:"task_ref"`
	ProgrammerType string `json:"programmer_type"`
}

type sessionIDInput struct {
	SessionID int64 `json:"session_id"`
}

type tddInitializeInput struct {
	SessionID int64 `json:"session_id"`
	Tests     []struct {
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"tests"`
}
