package handler

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperationPayload represents the payload for file operation actions
type FileOperationPayload struct {
	Operation   FileOperationType `json:"operation"`
	SourcePath  string            `json:"source_path"`
	TargetPath  string            `json:"target_path,omitempty"`
	Content     []byte            `json:"content,omitempty"`
	Permissions os.FileMode       `json:"permissions,omitempty"`
}

// FileOperationHandler handles file operations
type FileOperationHandler struct {
	logger *zap.Logger
	// Base directory for all file operations
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(logger *zap.Logger, baseDir string) *FileOperationHandler {
	return &FileOperationHandler{
		logger:  logger.Named("file-operation"),
		baseDir: filepath.Clean(baseDir),
	}
}

// Execute performs the file operation
func (h *FileOperationHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload FileOperationPayload
	if err := decodeArgs(job, &payload); err != nil {
		return nil, err
	}

	sourcePath, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "source path")
	}

	var targetPath string
	if payload.Operation == FileOperationMove || payload.Operation == FileOperationCopy {
		if targetPath, err = h.resolve(payload.TargetPath); err != nil {
			return nil, errors.Wrap(err, "target path")
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("job_id", job.ID),
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	switch payload.Operation {
	case FileOperationRead:
		content, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string][]byte{"content": content})
	case FileOperationWrite:
		err = h.writeFile(sourcePath, payload.Content, payload.Permissions)
	case FileOperationDelete:
		err = os.Remove(sourcePath)
	case FileOperationMove:
		err = h.moveFile(sourcePath, targetPath)
	case FileOperationCopy:
		err = h.copyFile(sourcePath, targetPath)
	default:
		return nil, errors.Newf("unsupported operation: %s", payload.Operation)
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// resolve joins path onto the base directory and rejects escapes
func (h *FileOperationHandler) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	full := filepath.Clean(filepath.Join(h.baseDir, path))
	if full != h.baseDir && !strings.HasPrefix(full, h.baseDir+string(filepath.Separator)) {
		return "", errors.Newf("%s must be within base directory", path)
	}
	return full, nil
}

func (h *FileOperationHandler) writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}
	return os.WriteFile(path, content, perm)
}

func (h *FileOperationHandler) moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "failed to create target directory")
	}
	return os.Rename(source, target)
}

func (h *FileOperationHandler) copyFile(source, target string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return errors.Wrap(err, "failed to open source file")
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "failed to create target directory")
	}

	targetFile, err := os.Create(target)
	if err != nil {
		return errors.Wrap(err, "failed to create target file")
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, sourceFile); err != nil {
		return errors.Wrap(err, "failed to copy file")
	}

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to get source file info")
	}

	return os.Chmod(target, sourceInfo.Mode())
}
