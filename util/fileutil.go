package util

import (
	"os"
	"path/filepath"
)

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureParentDir 创建文件所在目录
func EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if ok, err := PathExists(dir); err != nil || ok {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// CreateFileBySize 创建文件并截断到 size 字节, 已存在的文件不会缩小
func CreateFileBySize(filePath string, size int64) error {
	if err := EnsureParentDir(filePath); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	if stat.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
