// Package catalog keeps item documents and their stored files consistent.
//
// Files are always written before the document that references them, and
// replaced or removed files are deleted only after the document change has
// committed. A failure in between leaves unreferenced objects behind, never a
// document pointing at a missing object.
package catalog

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notemart/internal/apperr"
	"notemart/internal/contracts"
	"notemart/internal/docstore"
	"notemart/internal/objectstore"
)

type Documents interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *docstore.Tx) error) error
	Get(ctx context.Context, path string, dst any) (bool, error)
}

type Config struct {
	Primary   objectstore.Store
	Secondary objectstore.Store
	// PromoteSecondaryAfter turns failed secondary deletes into hard errors
	// once that many have already failed in a row. Zero keeps them
	// best-effort.
	PromoteSecondaryAfter int
	// DeleteTimeout bounds the deletes that follow a commit. They run
	// detached from the request so a client going away cannot strand them.
	DeleteTimeout time.Duration
	Logger        logrus.FieldLogger
}

type Coordinator struct {
	docs         Documents
	stores       map[string]objectstore.Store
	promoteAfter  int
	deleteTimeout time.Duration
	logger        logrus.FieldLogger
	now           func() time.Time

	mu                sync.Mutex
	secondaryFailures int
}

func NewCoordinator(docs Documents, cfg Config) *Coordinator {
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = time.Minute
	}
	return &Coordinator{
		docs: docs,
		stores: map[string]objectstore.Store{
			contracts.StorePrimary:   cfg.Primary,
			contracts.StoreSecondary: cfg.Secondary,
		},
		promoteAfter:  cfg.PromoteSecondaryAfter,
		deleteTimeout: cfg.DeleteTimeout,
		logger:        cfg.Logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type CreateItemRequest struct {
	Title       string
	Description string
	Price       int64
	Category    string
	Subject     string
	Document    *Upload
	Cover       *Upload
}

func (r *CreateItemRequest) validate() error {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Category = normalizeKey(r.Category)
	r.Subject = normalizeKey(r.Subject)

	switch {
	case r.Title == "" || r.Description == "" || r.Category == "" || r.Subject == "":
		return apperr.Validation("title, description, category and subject are required")
	case r.Price <= 0:
		return apperr.Validation("price must be positive")
	case r.Document.empty() || r.Cover.empty():
		return apperr.Validation("both the pdf and the image are required")
	case !r.Document.isPDF():
		return apperr.Validation("document must be a pdf")
	case !r.Cover.isImage():
		return apperr.Validation("cover must be an image")
	}
	return validKey(r.Category, r.Subject)
}

func validKey(keys ...string) error {
	for _, k := range keys {
		if strings.Contains(k, "/") {
			return apperr.Validation("%q must not contain '/'", k)
		}
	}
	return nil
}

// CreateItem uploads the document, its cover and the secondary copy of the
// document concurrently, then records the item. If any upload fails nothing
// is recorded.
func (c *Coordinator) CreateItem(ctx context.Context, req CreateItemRequest) (*Item, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := c.now()
	item := Item{
		ID:          uuid.NewString(),
		Category:    req.Category,
		Subject:     req.Subject,
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Folder:      folderFor(req.Category, req.Subject),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log := c.logger.WithFields(logrus.Fields{"item_id": item.ID, "category": item.Category, "subject": item.Subject})

	jobs := c.plan(&item, req.Document, req.Cover, now)
	uploaded, err := c.uploadAll(ctx, jobs, log)
	if err != nil {
		return nil, err
	}
	for s, a := range uploaded {
		*item.asset(s) = a
	}

	err = c.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if err := tx.Merge(categoryPath(item.Category), map[string]any{"name": item.Category}); err != nil {
			return err
		}
		if err := tx.Merge(subjectPath(item.Category, item.Subject), map[string]any{"name": item.Subject, "category": item.Category}); err != nil {
			return err
		}
		if err := tx.Create(ItemPath(item.Category, item.Subject, item.ID), item); err != nil {
			return err
		}
		return tx.Emit(contracts.EventItemCreated, itemEvent(item, now))
	})
	if err != nil {
		c.reportOrphans(log, uploaded, "item record not written")
		return nil, err
	}

	log.Info("item created")
	return &item, nil
}

type EditItemRequest struct {
	Category    string
	Subject     string
	ItemID      string
	Title       *string
	Description *string
	Price       *int64
	Document    *Upload
	Cover       *Upload
}

func (r *EditItemRequest) validate() error {
	r.Category = normalizeKey(r.Category)
	r.Subject = normalizeKey(r.Subject)
	if r.Category == "" || r.Subject == "" || r.ItemID == "" {
		return apperr.Validation("category, subject and item id are required")
	}
	if err := validKey(r.Category, r.Subject, r.ItemID); err != nil {
		return err
	}
	if r.Title == nil && r.Description == nil && r.Price == nil && r.Document.empty() && r.Cover.empty() {
		return apperr.Validation("no updates provided")
	}
	if r.Title != nil && strings.TrimSpace(*r.Title) == "" {
		return apperr.Validation("title must not be empty")
	}
	if r.Price != nil && *r.Price <= 0 {
		return apperr.Validation("price must be positive")
	}
	if !r.Document.empty() && !r.Document.isPDF() {
		return apperr.Validation("document must be a pdf")
	}
	if !r.Cover.empty() && !r.Cover.isImage() {
		return apperr.Validation("cover must be an image")
	}
	return nil
}

// Result is a committed item change plus best-effort problems worth showing
// to the caller.
type Result struct {
	Item     Item
	Warnings []string
}

// EditItem applies the given field changes. Replacement files are uploaded
// before the item is rewritten; the files they replace are deleted after.
func (c *Coordinator) EditItem(ctx context.Context, req EditItemRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	path := ItemPath(req.Category, req.Subject, req.ItemID)
	log := c.logger.WithField("item_id", req.ItemID)

	var current Item
	ok, err := c.docs.Get(ctx, path, &current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("item %s", req.ItemID)
	}

	now := c.now()
	naming := current
	if req.Title != nil {
		naming.Title = strings.TrimSpace(*req.Title)
	}
	var document, cover *Upload
	if !req.Document.empty() {
		document = req.Document
	}
	if !req.Cover.empty() {
		cover = req.Cover
	}
	uploaded, err := c.uploadAll(ctx, c.plan(&naming, document, cover, now), log)
	if err != nil {
		return nil, err
	}

	var (
		updated  Item
		replaced []storedAsset
	)
	err = c.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		replaced = replaced[:0]

		var it Item
		ok, err := tx.Get(ctx, path, &it)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("item %s", req.ItemID)
		}

		if req.Title != nil {
			it.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			it.Description = strings.TrimSpace(*req.Description)
		}
		if req.Price != nil {
			it.Price = *req.Price
		}
		for _, d := range destinations {
			a, ok := uploaded[d.slot]
			if !ok {
				continue
			}
			if old := *it.asset(d.slot); !old.IsZero() && old.StorageID != a.StorageID {
				replaced = append(replaced, storedAsset{dest: d, asset: old})
			}
			*it.asset(d.slot) = a
		}
		it.UpdatedAt = now

		if err := tx.Set(path, it); err != nil {
			return err
		}
		if err := tx.Emit(contracts.EventItemUpdated, itemEvent(it, now)); err != nil {
			return err
		}
		updated = it
		return nil
	})
	if err != nil {
		c.reportOrphans(log, uploaded, "item update not committed")
		return nil, err
	}
	log.Info("item updated")

	warnings, err := c.deleteAssets(ctx, req.ItemID, replaced, "replaced by edit")
	if err != nil {
		return nil, err
	}
	return &Result{Item: updated, Warnings: warnings}, nil
}

// DeleteItem removes the item record and then its files. A failed secondary
// delete is reported as a warning.
func (c *Coordinator) DeleteItem(ctx context.Context, category, subject, itemID string) (*Result, error) {
	category, subject = normalizeKey(category), normalizeKey(subject)
	if category == "" || subject == "" || itemID == "" {
		return nil, apperr.Validation("category, subject and item id are required")
	}
	if err := validKey(category, subject, itemID); err != nil {
		return nil, err
	}
	path := ItemPath(category, subject, itemID)

	var removed Item
	err := c.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		removed = Item{}
		ok, err := tx.Get(ctx, path, &removed)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("item %s", itemID)
		}
		tx.Delete(path)
		return tx.Emit(contracts.EventItemDeleted, itemEvent(removed, c.now()))
	})
	if err != nil {
		return nil, err
	}
	c.logger.WithField("item_id", itemID).Info("item deleted")

	var assets []storedAsset
	for _, d := range destinations {
		if a := *removed.asset(d.slot); !a.IsZero() {
			assets = append(assets, storedAsset{dest: d, asset: a})
		}
	}
	warnings, err := c.deleteAssets(ctx, itemID, assets, "item deleted")
	if err != nil {
		return nil, err
	}
	return &Result{Item: removed, Warnings: warnings}, nil
}

type uploadJob struct {
	dest destination
	obj  objectstore.Object
}

// plan lists the uploads for the given files, following the destination
// table. A nil upload contributes no jobs.
func (c *Coordinator) plan(it *Item, document, cover *Upload, now time.Time) []uploadJob {
	base := slug.Make(it.Title) + "_" + strconv.FormatInt(now.UnixMilli(), 10)

	var jobs []uploadJob
	for _, d := range destinations {
		var (
			up  *Upload
			key string
		)
		switch d.source {
		case blobDocument:
			up, key = document, base+".pdf"
		case blobCover:
			up, key = cover, base+"_cover"
			if up != nil {
				key += up.imageExt()
			}
		}
		if up == nil {
			continue
		}
		if d.store == contracts.StoreSecondary {
			// The secondary store is flat; keep the grouping in the name.
			key = slug.Make(it.Category) + "_" + slug.Make(it.Subject) + "_" + key
		}
		contentType := up.ContentType
		if d.source == blobDocument {
			contentType = "application/pdf"
		}
		jobs = append(jobs, uploadJob{dest: d, obj: objectstore.Object{
			Folder:      it.Folder,
			Key:         key,
			ContentType: contentType,
			Body:        up.Body,
		}})
	}
	return jobs
}

// uploadAll runs the jobs concurrently and fails as soon as one fails. Uploads
// that finished before the failure are not rolled back.
func (c *Coordinator) uploadAll(ctx context.Context, jobs []uploadJob, log logrus.FieldLogger) (map[slot]Asset, error) {
	refs := make([]objectstore.Ref, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			ref, err := c.stores[job.dest.store].Put(gctx, job.obj)
			if err != nil {
				return errors.Wrapf(err, "upload %s to %s", job.dest.slot, job.dest.store)
			}
			refs[i] = ref
			return nil
		})
	}

	out := make(map[slot]Asset, len(jobs))
	if err := g.Wait(); err != nil {
		for i, ref := range refs {
			if !ref.IsZero() {
				out[jobs[i].dest.slot] = Asset{URL: ref.URL, StorageID: ref.ID}
			}
		}
		c.reportOrphans(log, out, "upload set failed")
		return nil, apperr.Wrap(apperr.ErrUploadFailure, err, "")
	}
	for i, ref := range refs {
		out[jobs[i].dest.slot] = Asset{URL: ref.URL, StorageID: ref.ID}
	}
	return out, nil
}

// reportOrphans logs objects that were uploaded but will never be referenced.
// They are left for an operator.
func (c *Coordinator) reportOrphans(log logrus.FieldLogger, assets map[slot]Asset, reason string) {
	for _, d := range destinations {
		a, ok := assets[d.slot]
		if !ok {
			continue
		}
		log.WithFields(logrus.Fields{
			"store":     d.store,
			"object_id": a.StorageID,
			"reason":    reason,
		}).Warn("uploaded object left unreferenced")
	}
}

type storedAsset struct {
	dest  destination
	asset Asset
}

// deleteAssets deletes unreferenced objects concurrently, outside the
// caller's cancellation. Every failure is
// queued for the cleanup worker. Failures at a required destination, or at a
// promoted secondary, are returned as an error; the rest become warnings.
func (c *Coordinator) deleteAssets(ctx context.Context, itemID string, assets []storedAsset, reason string) ([]string, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	// The references are already gone; finish even if the caller has left.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deleteTimeout)
	defer cancel()

	results := make([]error, len(assets))
	var g errgroup.Group
	for i, a := range assets {
		i, a := i, a
		g.Go(func() error {
			results[i] = c.stores[a.dest.store].Delete(ctx, a.asset.StorageID)
			return nil
		})
	}
	_ = g.Wait()

	var (
		warnings []string
		hard     []string
		orphans  []contracts.AssetOrphanedEvent
	)
	for i, err := range results {
		a := assets[i]
		if a.dest.store == contracts.StoreSecondary {
			c.trackSecondary(err == nil)
		}
		if err == nil {
			continue
		}

		orphans = append(orphans, contracts.AssetOrphanedEvent{
			Store:    a.dest.store,
			ObjectID: a.asset.StorageID,
			ItemID:   itemID,
			Reason:   reason,
			At:       c.now(),
		})
		log := c.logger.WithError(err).WithFields(logrus.Fields{
			"item_id":   itemID,
			"store":     a.dest.store,
			"object_id": a.asset.StorageID,
		})
		msg := "could not delete " + a.dest.slot.String() + " from " + a.dest.store + " store"
		if a.dest.deleteRequired || c.secondaryPromoted() {
			log.Error("object delete failed")
			hard = append(hard, msg)
			continue
		}
		log.Warn("object delete failed, cleanup queued")
		warnings = append(warnings, msg)
	}

	if len(orphans) > 0 {
		c.queueOrphans(ctx, orphans)
	}
	if len(hard) > 0 {
		return warnings, apperr.Upstream(errors.New(strings.Join(hard, "; ")), "delete unreferenced objects")
	}
	return warnings, nil
}

func (c *Coordinator) queueOrphans(ctx context.Context, orphans []contracts.AssetOrphanedEvent) {
	err := c.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		for _, o := range orphans {
			if err := tx.Emit(contracts.EventAssetOrphaned, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, o := range orphans {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"store":     o.Store,
				"object_id": o.ObjectID,
			}).Error("could not queue orphaned object for cleanup")
		}
	}
}

func (c *Coordinator) trackSecondary(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.secondaryFailures = 0
		return
	}
	c.secondaryFailures++
}

func (c *Coordinator) secondaryPromoted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promoteAfter > 0 && c.secondaryFailures > c.promoteAfter
}

func folderFor(category, subject string) string {
	return "notes/" + slug.Make(category) + "/" + slug.Make(subject)
}

func itemEvent(it Item, at time.Time) contracts.ItemEvent {
	return contracts.ItemEvent{
		ItemID:   it.ID,
		Category: it.Category,
		Subject:  it.Subject,
		Title:    it.Title,
		Price:    it.Price,
		At:       at,
	}
}
