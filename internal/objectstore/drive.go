package objectstore

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"notemart/internal/apperr"
)

type DriveConfig struct {
	CredentialsFile string
	FolderID        string
	Timeout         time.Duration
}

// Drive is the secondary store. Every uploaded file is readable by anyone
// holding its link, which is what Ref.URL carries.
type Drive struct {
	svc      *drive.Service
	folderID string
	timeout  time.Duration
}

func NewDrive(ctx context.Context, cfg DriveConfig) (*Drive, error) {
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create drive client")
	}
	folder := cfg.FolderID
	if folder == "" {
		folder = "root"
	}
	return &Drive{svc: svc, folderID: folder, timeout: cfg.Timeout}, nil
}

func (d *Drive) Put(ctx context.Context, obj Object) (Ref, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	file, err := d.svc.Files.Create(&drive.File{
		Name:     obj.Key,
		Parents:  []string{d.folderID},
		MimeType: obj.ContentType,
	}).
		Media(bytes.NewReader(obj.Body), googleapi.ContentType(obj.ContentType)).
		Fields("id", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return Ref{}, apperr.Upstream(err, "drive upload "+obj.Key)
	}

	_, err = d.svc.Permissions.Create(file.Id, &drive.Permission{
		Role:               "reader",
		Type:               "anyone",
		AllowFileDiscovery: false,
	}).Context(ctx).Do()
	if err != nil {
		// Without the permission the link is useless; drop the file.
		_ = d.svc.Files.Delete(file.Id).Context(ctx).Do()
		return Ref{}, apperr.Upstream(err, "drive share "+file.Id)
	}

	return Ref{ID: file.Id, URL: file.WebViewLink}, nil
}

func (d *Drive) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	err := d.svc.Files.Delete(id).Context(ctx).Do()
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
			return nil
		}
		return apperr.Upstream(err, "drive delete "+id)
	}
	return nil
}
