package storage

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"avs/internal/adapters/storage/gdrive"
	"avs/internal/adapters/storage/localfs"
	"avs/internal/config"
	"avs/internal/pkg/errors"
)

// NewProvider returns the provider named by cfg.Provider, or nil when
// storage is disabled.
func NewProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "localfs":
		if cfg.LocalRoot == "" {
			return nil, errors.ValidationField("AVS_STORAGE_LOCAL_ROOT", "localfs storage requires a root directory")
		}
		return localfs.New(cfg.LocalRoot), nil
	case "gdrive":
		return newGDriveProvider(ctx, cfg)
	default:
		return nil, errors.ValidationField("AVS_STORAGE_PROVIDER", "unknown storage provider: "+cfg.Provider)
	}
}

// GDriveOAuth returns the OAuth client configuration for Drive uploads.
func GDriveOAuth(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	for env, v := range map[string]string{
		"AVS_STORAGE_GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"AVS_STORAGE_GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"AVS_STORAGE_GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	} {
		if v == "" {
			return nil, errors.ValidationField(env, "gdrive storage requires "+env)
		}
	}

	conf := GDriveOAuth(cfg.GDriveClientID, cfg.GDriveClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(context.WithoutCancel(ctx), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "storage.gdrive", "failed to create drive service")
	}
	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
