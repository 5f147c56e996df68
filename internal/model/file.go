// Package model contains the struct definitions shared by the upload pipeline,
// the metadata store and the deletion worker.
package model

import (
	"time"
)

// Access describes who may read a file record.
type Access string

const (
	AccessPrivate Access = "private"
	AccessPublic  Access = "public"
)

// FileRecord is the user-visible reference to a ContentObject. Many records
// may point at the same content hash; the original name is per upload.
type FileRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	OriginalName string    `json:"originalName"`
	ContentHash  string    `json:"contentHash"`
	// StoragePath is the content store key and is not exposed to clients.
	StoragePath string    `json:"-"`
	Size        int64     `json:"size"`
	FileType    string    `json:"fileType"`
	Version     int       `json:"version"`
	Access      Access    `json:"access"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ContentObject is the single physical blob stored for a content hash.
type ContentObject struct {
	Hash     string `json:"hash"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	FileType string `json:"fileType"`
}

// DeletionJob asks the worker to remove the blob for a hash once nothing
// references it anymore.
type DeletionJob struct {
	Hash    string `json:"hash"`
	Path    string `json:"path"`
	Attempt int    `json:"attempt"`
}
