package httpapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
	"notemart/internal/catalog"
)

func (s *Server) uploadItem(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseForm(w, r)
	if err != nil {
		s.fail(w, err, "parse upload form", nil)
		return
	}

	price, err := parsePrice(form.Value["price"])
	if err != nil {
		s.fail(w, err, "parse upload form", nil)
		return
	}
	document, err := formFile(form, "pdf")
	if err != nil {
		s.fail(w, err, "read pdf", nil)
		return
	}
	cover, err := formFile(form, "image")
	if err != nil {
		s.fail(w, err, "read image", nil)
		return
	}

	item, err := s.catalog.CreateItem(r.Context(), catalog.CreateItemRequest{
		Title:       formValue(form, "title"),
		Description: formValue(form, "description"),
		Price:       price,
		Category:    formValue(form, "category"),
		Subject:     formValue(form, "subject"),
		Document:    document,
		Cover:       cover,
	})
	if err != nil {
		s.fail(w, err, "create item", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"noteId": item.ID, "note": item})
}

func (s *Server) editItem(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseForm(w, r)
	if err != nil {
		s.fail(w, err, "parse edit form", nil)
		return
	}

	req := catalog.EditItemRequest{
		Category: chi.URLParam(r, "category"),
		Subject:  chi.URLParam(r, "subject"),
		ItemID:   chi.URLParam(r, "noteID"),
	}
	if v, ok := form.Value["title"]; ok && len(v) > 0 {
		req.Title = &v[0]
	}
	if v, ok := form.Value["description"]; ok && len(v) > 0 {
		req.Description = &v[0]
	}
	if v, ok := form.Value["price"]; ok {
		price, err := parsePrice(v)
		if err != nil {
			s.fail(w, err, "parse edit form", nil)
			return
		}
		req.Price = &price
	}
	if req.Document, err = formFile(form, "pdf"); err != nil {
		s.fail(w, err, "read pdf", nil)
		return
	}
	if req.Cover, err = formFile(form, "image"); err != nil {
		s.fail(w, err, "read image", nil)
		return
	}

	res, err := s.catalog.EditItem(r.Context(), req)
	if err != nil {
		s.fail(w, err, "edit item", logrus.Fields{"item_id": req.ItemID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Note updated successfully",
		"note":     res.Item,
		"warnings": res.Warnings,
	})
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "noteID")
	res, err := s.catalog.DeleteItem(r.Context(), chi.URLParam(r, "category"), chi.URLParam(r, "subject"), itemID)
	if err != nil {
		s.fail(w, err, "delete item", logrus.Fields{"item_id": itemID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Note deleted successfully",
		"warnings": res.Warnings,
	})
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, apperr.Validation("invalid multipart form: %v", err)
	}
	return r.MultipartForm, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func parsePrice(values []string) (int64, error) {
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return 0, apperr.Validation("price is required")
	}
	price, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil {
		return 0, apperr.Validation("price must be an integer amount in the smallest currency unit")
	}
	return price, nil
}

// formFile reads an optional file field. A missing field yields nil.
func formFile(form *multipart.Form, key string) (*catalog.Upload, error) {
	files := form.File[key]
	if len(files) == 0 {
		return nil, nil
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation("open %s: %v", key, err)
	}
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Validation("read %s: %v", key, err)
	}
	return &catalog.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
