package firestore

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
)

// NewClient connects to Firestore. An empty credentialsFile uses Application
// Default Credentials; FIRESTORE_EMULATOR_HOST is honoured by the SDK.
func NewClient(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	logger.Info("connected to firestore", slog.String("project_id", projectID))
	return client, nil
}
