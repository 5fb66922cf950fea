package api

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"time"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/h2non/filetype/types"
)

const (
	maxAvatarSize = 1 << 20
	maxUploadSize = 10 << 20
	formOverhead  = 64 << 10
	sniffLen      = 261
)

var (
	errUnsupportedType = errors.New("unsupported file type")
	errFileTooLarge    = errors.New("file too large")
)

// Accepted upload types, detected from content rather than the client's
// Content-Type.
var (
	avatarTypes = matchers.Map{
		matchers.TypeJpeg: matchers.Jpeg,
		matchers.TypePng:  matchers.Png,
		matchers.TypeGif:  matchers.Gif,
	}
	attachmentTypes = matchers.Map{
		matchers.TypeJpeg: matchers.Jpeg,
		matchers.TypePng:  matchers.Png,
		matchers.TypeGif:  matchers.Gif,
		matchers.TypeMp4:  matchers.Mp4,
		matchers.TypeWebm: matchers.Webm,
		matchers.TypeOgg:  matchers.Ogg,
	}
)

func fileURL(id string) string {
	return "/uploads/" + id
}

// storeUpload saves the multipart file in field after checking its size and
// sniffed type, and records its metadata under a fresh id.
func (a *API) storeUpload(r *http.Request, owner, field string, maxSize int64, allowed matchers.Map) (storage.FileMetadata, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return storage.FileMetadata{}, err
	}
	defer func() { _ = file.Close() }()

	if header.Size > maxSize {
		return storage.FileMetadata{}, errFileTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return storage.FileMetadata{}, err
	}
	kind := filetype.MatchMap(head[:n], allowed)
	if kind == types.Unknown {
		return storage.FileMetadata{}, errUnsupportedType
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return storage.FileMetadata{}, err
	}

	hash, size, err := a.files.Put(io.LimitReader(file, maxSize+1))
	if err != nil {
		return storage.FileMetadata{}, err
	}
	if size > maxSize {
		return storage.FileMetadata{}, errFileTooLarge
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      path.Base(header.Filename),
		MimeType:  kind.MIME.Value,
		Size:      size,
		CreatedAt: time.Now().Unix(),
		UserID:    owner,
	}
	if err := a.store.UpsertFileMetadata(meta); err != nil {
		return storage.FileMetadata{}, err
	}
	slog.Info("file uploaded", "user_id", owner, "file_id", meta.ID, "mime", meta.MimeType, "size", size)
	return meta, nil
}

func (a *API) uploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, http.ErrMissingFile):
		writeError(w, http.StatusBadRequest, "No file provided")
	case errors.Is(err, errUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "Unsupported file type")
	case errors.Is(err, errFileTooLarge), errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
	default:
		slog.Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Upload failed")
	}
}

// UploadHandler accepts a chat attachment (image, audio or video).
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		a.uploadError(w, err)
		return
	}

	meta, err := a.storeUpload(r, userID(r.Context()), "file", maxUploadSize, attachmentTypes)
	if err != nil {
		a.uploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"fileUrl":  fileURL(meta.ID),
		"mimeType": meta.MimeType,
	})
}

// GetFileHandler serves GET /uploads/{id}.
func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.store.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("failed to load file metadata", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	f, err := a.files.Open(meta.Hash)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		slog.Error("failed to open file", "file_id", meta.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, meta.Name, time.Unix(meta.CreatedAt, 0), f)
}
