package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ChainPilot/pkg/logger"
)

const defaultSubjectID = "local"

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode     Mode
	fallback *Subject
	tokens   []tokenEntry
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		id := strings.TrimSpace(cfg.DefaultSubject)
		if id == "" {
			id = defaultSubjectID
		}
		svc.fallback = &Subject{ID: id, Permissions: []string{"*"}}
		svc.fallback.normalise()
	case ModeStatic:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("static mode requires at least one token")
		}
		for i, tok := range cfg.Tokens {
			token := strings.TrimSpace(tok.Token)
			subject := strings.TrimSpace(tok.Subject)
			if token == "" || subject == "" {
				return nil, fmt.Errorf("token #%d: token and subject are required", i)
			}
			entry := tokenEntry{
				digest: sha256.Sum256([]byte(token)),
				subject: &Subject{
					ID:          subject,
					Permissions: append([]string(nil), tok.Permissions...),
					Disabled:    tok.Disabled,
				},
			}
			entry.subject.normalise()
			svc.tokens = append(svc.tokens, entry)
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		if s == nil || s.fallback == nil {
			return &Subject{ID: defaultSubjectID, Permissions: []string{"*"}}, nil
		}
		return s.fallback.Clone(), nil
	}

	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(entry.digest[:], digest[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match.Clone(), nil
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
