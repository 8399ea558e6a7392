package cloudinary

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Archive stores identity documents as authenticated Cloudinary assets.
type Archive struct {
	client *cloudinary.Cloudinary
	folder string
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Cloudinary archive instance.
func New(cfg Config, logger zerolog.Logger) (*Archive, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Archive{
		client: cld,
		folder: cfg.Folder,
		now:    time.Now,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Store uploads one identity image for the applicant and returns its secure URL.
// Assets are uploaded with the authenticated delivery type so they are never public.
func (a *Archive) Store(ctx context.Context, applicantID uint, kind string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:       folderFor(a.folder, applicantID),
		PublicID:     buildPublicID(kind, a.now()),
		ResourceType: "image",
		Type:         api.Authenticated,
		Tags:         api.CldAPIArray{"identity", kind},
	}

	result, err := a.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", kind, err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to archive %s: %s", kind, result.Error.Message)
	}

	a.logger.Info().Uint("applicant_id", applicantID).Str("public_id", result.PublicID).Msg("identity asset archived")

	return result.SecureURL, nil
}

func folderFor(root string, applicantID uint) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return fmt.Sprintf("applicant-%d", applicantID)
	}
	return fmt.Sprintf("%s/applicant-%d", root, applicantID)
}

func buildPublicID(kind string, at time.Time) string {
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, kind)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "document"
	}

	return fmt.Sprintf("%s-%d", base, at.UnixNano())
}
