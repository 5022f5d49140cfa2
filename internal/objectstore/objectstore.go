// Package objectstore holds the blob stores that keep the purchasable files:
// an S3-compatible primary store and a Google Drive secondary store that
// serves shareable links.
package objectstore

import "context"

// Object is a blob to upload. Folder groups related objects; stores without
// folders may ignore it.
type Object struct {
	Folder      string
	Key         string
	ContentType string
	Body        []byte
}

// Ref locates an uploaded object. ID is what Delete expects.
type Ref struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (r Ref) IsZero() bool { return r.ID == "" }

type Store interface {
	Put(ctx context.Context, obj Object) (Ref, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, id string) error
}
