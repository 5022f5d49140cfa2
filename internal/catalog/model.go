package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"notemart/internal/docstore"
)

// Asset points at one stored object.
type Asset struct {
	URL       string `json:"url"`
	StorageID string `json:"storageId"`
}

func (a Asset) IsZero() bool { return a.StorageID == "" }

// Item is a sellable document. Document and Cover live in the primary store,
// Mirror is the secondary copy of Document.
type Item struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Subject     string    `json:"subject"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	Document    Asset     `json:"document"`
	Cover       Asset     `json:"cover"`
	Mirror      Asset     `json:"mirror"`
	Folder      string    `json:"folder"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Upload is a file received from the admin.
type Upload struct {
	Filename    string
	ContentType string
	Body        []byte
}

func (u *Upload) empty() bool { return u == nil || len(u.Body) == 0 }

func (u *Upload) isPDF() bool {
	return u.ContentType == "application/pdf" || strings.EqualFold(filepath.Ext(u.Filename), ".pdf")
}

func (u *Upload) isImage() bool {
	return strings.HasPrefix(u.ContentType, "image/")
}

func (u *Upload) imageExt() string {
	if ext := strings.ToLower(filepath.Ext(u.Filename)); ext != "" {
		return ext
	}
	switch u.ContentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func categoryPath(category string) string {
	return docstore.Path("categories", category)
}

func subjectPath(category, subject string) string {
	return docstore.Path("categories", category, "subjects", subject)
}

// ItemPath is where an item document lives.
func ItemPath(category, subject, id string) string {
	return docstore.Path("categories", category, "subjects", subject, "notes", id)
}

// normalizeKey case-folds a category or subject name into its document key.
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
