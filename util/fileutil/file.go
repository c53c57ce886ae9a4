package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

func ReadFileBytes(ctx context.Context, filename string) (data []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileBytes replaces filename with data, creating parent folders as needed.
func WriteFileBytes(ctx context.Context, filename string, data []byte, contentType string) (err error) {
	writer, err := NewFileWriter(ctx, filename, contentType)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	_, err = writer.Write(data)
	return err
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		return filepath.Join(elem...)
	}
}

func DeleteFile(ctx context.Context, filename string) error {
	return fileSystem.Delete(ctx, filename)
}

// MoveFile renames src to dst, replacing dst. Both names must share their extension.
func MoveFile(ctx context.Context, src, dst string) error {
	return fileSystem.Move(ctx, src, dst)
}

func CreateDir(ctx context.Context, dirName string) error {
	exists, err := FileExists(ctx, dirName)
	if err != nil || exists {
		return err
	}
	return fileSystem.Create(ctx, dirName, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

func FileStats(filename string) (os.FileInfo, error) {
	return fileSystem.Object(context.Background(), filename)
}

// ListFiles returns the regular files directly under dir.
func ListFiles(ctx context.Context, dir string) ([]storage.Object, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	files := objects[:0]
	for _, object := range objects {
		if !object.IsDir() {
			files = append(files, object)
		}
	}
	return files, nil
}

func NewFileWriter(ctx context.Context, filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	if contentType != "" {
		return fileSystem.NewWriter(ctx, filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}
