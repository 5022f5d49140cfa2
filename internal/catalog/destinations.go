package catalog

import (
	"notemart/internal/contracts"
)

type blob int

const (
	blobDocument blob = iota
	blobCover
)

type slot int

const (
	slotDocument slot = iota
	slotCover
	slotMirror
)

// destination is one place an item file is written to. Every upload is
// required; deleteRequired decides whether a failed delete of a replaced
// object fails the call or is only reported.
type destination struct {
	slot           slot
	store          string
	source         blob
	deleteRequired bool
}

var destinations = []destination{
	{slot: slotDocument, store: contracts.StorePrimary, source: blobDocument, deleteRequired: true},
	{slot: slotCover, store: contracts.StorePrimary, source: blobCover, deleteRequired: true},
	{slot: slotMirror, store: contracts.StoreSecondary, source: blobDocument, deleteRequired: false},
}

func (s slot) String() string {
	switch s {
	case slotDocument:
		return "document"
	case slotCover:
		return "cover"
	default:
		return "mirror"
	}
}

func (it *Item) asset(s slot) *Asset {
	switch s {
	case slotDocument:
		return &it.Document
	case slotCover:
		return &it.Cover
	default:
		return &it.Mirror
	}
}
