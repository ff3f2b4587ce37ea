// Package vault is the read-only store of per-caller wallet profiles. Each
// request fetches its profile fresh; the credential is handed to one agent run
// and dropped with it.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"ChainPilot/internal/contacts"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"

	"gopkg.in/yaml.v3"
)

// Profile is everything the agent needs to act for one caller.
type Profile struct {
	Subject    string
	Wallet     web3.WalletCredential
	Network    web3.NetworkMode
	NativeOnly bool
	Contacts   []contacts.Contact
}

// Store resolves a profile by authenticated subject.
type Store interface {
	Profile(ctx context.Context, subject string) (*Profile, error)
}

type fileDocument struct {
	Profiles []fileProfile `yaml:"profiles"`
}

type fileProfile struct {
	Subject string `yaml:"subject"`
	Wallet  struct {
		PublicKey    string `yaml:"public_key"`
		SecretKey    string `yaml:"secret_key"`
		SecretKeyEnv string `yaml:"secret_key_env"`
	} `yaml:"wallet"`
	Network    string             `yaml:"network"`
	NativeOnly bool               `yaml:"native_only"`
	Contacts   []contacts.Contact `yaml:"contacts"`
}

// FileStore serves profiles parsed from a YAML document.
type FileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// LoadFile 读取 YAML 档案文件，secret_key_env 优先于明文 secret_key。
func LoadFile(path string) (*FileStore, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取钱包档案失败")
	}
	return Parse(content)
}

// Parse 解析 YAML 档案内容。
func Parse(content []byte) (*FileStore, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析钱包档案失败")
	}

	store := &FileStore{profiles: make(map[string]Profile, len(doc.Profiles))}
	for i, raw := range doc.Profiles {
		subject := strings.TrimSpace(raw.Subject)
		if subject == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("第 %d 个档案缺少 subject", i+1))
		}
		if _, dup := store.profiles[subject]; dup {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("档案 %s 重复", subject))
		}

		secret := strings.TrimSpace(raw.Wallet.SecretKey)
		if env := strings.TrimSpace(raw.Wallet.SecretKeyEnv); env != "" {
			secret = strings.TrimSpace(os.Getenv(env))
		}

		network := web3.NetworkDevnet
		if strings.TrimSpace(raw.Network) != "" {
			parsed, err := web3.ParseNetworkMode(raw.Network)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("档案 %s 网络无效", subject))
			}
			network = parsed
		}

		store.profiles[subject] = Profile{
			Subject: subject,
			Wallet: web3.WalletCredential{
				PublicKey: strings.TrimSpace(raw.Wallet.PublicKey),
				SecretKey: secret,
			},
			Network:    network,
			NativeOnly: raw.NativeOnly,
			Contacts:   append([]contacts.Contact(nil), raw.Contacts...),
		}
	}
	return store, nil
}

// Profile returns a copy of the subject's profile.
func (s *FileStore) Profile(ctx context.Context, subject string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
	}
	s.mu.RLock()
	profile, ok := s.profiles[strings.TrimSpace(subject)]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到调用方的钱包档案",
			xerrors.WithMetadata("subject", subject))
	}
	if profile.Wallet.Empty() {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "钱包档案缺少签名密钥",
			xerrors.WithMetadata("subject", subject))
	}
	profile.Contacts = append([]contacts.Contact(nil), profile.Contacts...)
	return &profile, nil
}

// Subjects lists the configured subjects.
func (s *FileStore) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.profiles))
	for subject := range s.profiles {
		out = append(out, subject)
	}
	return out
}

// SeedContacts copies each profile's contacts into store so a SQL-backed
// directory starts with the same recipients.
func (s *FileStore) SeedContacts(ctx context.Context, store contacts.Store) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for subject, profile := range s.profiles {
		for _, contact := range profile.Contacts {
			if err := store.Put(ctx, subject, contact); err != nil {
				return fmt.Errorf("写入联系人 %s/%s 失败: %w", subject, contact.ID, err)
			}
		}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
