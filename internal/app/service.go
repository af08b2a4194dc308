package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"opentd/internal/auth"
	"opentd/internal/authpw"
	"opentd/internal/config"
	"opentd/internal/storage"
	"opentd/internal/store"
	"opentd/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	Username  string
	JTI       string
	ExpiresAt time.Time
}

type RegisterInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ProgressInput struct {
	XP    *int `json:"xp"`
	Level *int `json:"level"`
}

type ReportInput struct {
	Message   string          `json:"message"`
	Stack     string          `json:"stack"`
	Context   json.RawMessage `json:"context"`
	UserAgent string          `json:"userAgent"`
	URL       string          `json:"url"`
	Timestamp *time.Time      `json:"timestamp"`
}

type AccountStore interface {
	Ping(context.Context) error
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpdateProgress(context.Context, string, store.Progress) (store.User, error)
	AppendErrorReport(context.Context, string, store.ErrorReport) error
	ListErrorReports(context.Context, string) ([]store.ErrorReport, error)
}

type Service struct {
	cfg       config.Config
	accounts  AccountStore
	passwords *authpw.Service
	storage   *storage.Service
	log       *logrus.Logger
}

func NewService(cfg config.Config, accounts AccountStore, storageSvc *storage.Service, log *logrus.Logger) *Service {
	return &Service{
		cfg:       cfg,
		accounts:  accounts,
		passwords: authpw.NewService(accounts),
		storage:   storageSvc,
		log:       log,
	}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, store.User, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: input.Username,
		Password: input.Password,
		Email:    input.Email,
	})
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	return session, user, nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, store.User, error) {
	user, err := s.passwords.Login(ctx, authpw.LoginRequest{
		Username: input.Username,
		Password: input.Password,
	})
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	return session, user, nil
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       jti,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken verifies the token signature and expiry only; it performs
// no store lookups.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.UserID,
		Username:  claims.Username,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

func (s *Service) Profile(ctx context.Context, session Session) (store.User, error) {
	return s.accounts.GetUserByID(ctx, session.UserID)
}

func (s *Service) UpdateProgress(ctx context.Context, session Session, input ProgressInput) (store.User, error) {
	if input.XP != nil && *input.XP < 0 {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "xp must be a non-negative integer", nil)
	}
	if input.Level != nil && *input.Level < 0 {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "level must be a non-negative integer", nil)
	}
	return s.accounts.UpdateProgress(ctx, session.UserID, store.Progress{XP: input.XP, Level: input.Level})
}

func (s *Service) SaveValue(ctx context.Context, session Session, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.storage.Save(ctx, session.UserID, key, value)
}

func (s *Service) LoadValue(ctx context.Context, session Session, key string) (storage.Record, error) {
	if err := validateKey(key); err != nil {
		return storage.Record{}, err
	}
	record, err := s.storage.Load(ctx, session.UserID, key)
	if err != nil {
		return storage.Record{}, err
	}
	if record == nil {
		return storage.Record{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return *record, nil
}

func (s *Service) Keys(ctx context.Context, session Session) ([]string, error) {
	keys, err := s.storage.Keys(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *Service) DeleteValue(ctx context.Context, session Session, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.storage.Delete(ctx, session.UserID, key)
}

func (s *Service) ClearValues(ctx context.Context, session Session) (int, error) {
	return s.storage.Clear(ctx, session.UserID)
}

func (s *Service) ReportError(ctx context.Context, session Session, input *ReportInput) error {
	if input == nil || strings.TrimSpace(input.Message) == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "report.message is required", nil)
	}
	report := store.ErrorReport{
		Message:   input.Message,
		Stack:     input.Stack,
		Context:   input.Context,
		UserAgent: input.UserAgent,
		URL:       input.URL,
		Timestamp: time.Now().UTC(),
	}
	if input.Timestamp != nil && !input.Timestamp.IsZero() {
		report.Timestamp = input.Timestamp.UTC()
	}
	return s.accounts.AppendErrorReport(ctx, session.UserID, report)
}

func (s *Service) ListErrors(ctx context.Context, session Session) ([]store.ErrorReport, error) {
	reports, err := s.accounts.ListErrorReports(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []store.ErrorReport{}
	}
	return reports, nil
}

// Readiness pings the account store and the storage backend, keyed by check
// name. A nil entry means healthy.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.accounts.Ping(ctx),
		"storage":  s.storage.Ping(ctx),
	}
}

func (s *Service) StorageMode() storage.Mode {
	return s.storage.Mode()
}

func validateKey(key string) error {
	if key == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Key is required", nil)
	}
	return nil
}

// logBackendError records the cause of a failure that is reported to the
// caller only generically.
func (s *Service) logBackendError(ctx context.Context, op string, err error) {
	entry := s.log.WithError(err).WithField("op", op)
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok {
		entry = entry.WithField("request_id", requestID)
	}
	var backendErr *storage.BackendError
	if errors.As(err, &backendErr) {
		entry = entry.WithField("backend", backendErr.Backend)
	}
	entry.Error(fmt.Sprintf("%s failed", op))
}
