package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Accessor is the one Secret Manager call this package needs.
type Accessor interface {
	AccessSecretVersion(ctx context.Context, name string) ([]byte, error)
	Close() error
}

type gcpAccessor struct {
	client *secretmanager.Client
}

func (a *gcpAccessor) AccessSecretVersion(ctx context.Context, name string) ([]byte, error) {
	result, err := a.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return result.Payload.Data, nil
}

func (a *gcpAccessor) Close() error {
	return a.client.Close()
}

type GCPSecretManager struct {
	client    Accessor
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless
// credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return NewWithAccessor(&gcpAccessor{client: client}, projectID, logger), nil
}

func NewWithAccessor(client Accessor, projectID string, logger *logrus.Logger) *GCPSecretManager {
	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	data, err := g.client.AccessSecretVersion(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

type SecretNames struct {
	OneTradingAPIKey     string `mapstructure:"onetrading_api_key"`
	OneTradingPassphrase string `mapstructure:"onetrading_passphrase"`

	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`

	DatabasePassword string `mapstructure:"database_password"`
	AuthSecret       string `mapstructure:"auth_secret"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		OneTradingAPIKey:     "onetrading-api-key",
		OneTradingPassphrase: "onetrading-passphrase",
		TelegramBotToken:     "telegram-bot-token",
		TelegramChatID:       "telegram-chat-id",
		DatabasePassword:     "tradepipe-db-password",
		AuthSecret:           "tradepipe-auth-secret",
	}
}
