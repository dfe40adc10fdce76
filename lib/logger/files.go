package logger

import (
	"fmt"
	"os"
	"path/filepath"
)

func checkNotExist(src string) bool {
	_, err := os.Stat(src)
	return os.IsNotExist(err)
}

func checkPermission(src string) bool {
	_, err := os.Stat(src)
	return os.IsPermission(err)
}

func mkDir(src string) error {
	return os.MkdirAll(src, os.ModePerm)
}

// 打开（必要时创建）日志文件，目录不存在时自动创建
func mustOpen(fileName, dir string) (*os.File, error) {
	if checkPermission(dir) {
		return nil, fmt.Errorf("permission denied dir: %s", dir)
	}
	if checkNotExist(dir) {
		if err := mkDir(dir); err != nil {
			return nil, fmt.Errorf("error during make dir %s, err: %s", dir, err)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("fail to open file, err: %s", err)
	}
	return f, nil
}
