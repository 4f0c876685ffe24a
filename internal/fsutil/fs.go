package fsutil

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// OS 基于本地文件系统的实现
type OS struct{}

// ReadFile 读取文件内容
func (OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// MimeType 先按扩展名推断，未知时嗅探文件内容
func (OS) MimeType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return m.String()
}
