package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/assertions"
)

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := PathExists(dir)
	check(t, assertions.ShouldBeNil(err))
	check(t, assertions.ShouldBeTrue(ok))

	ok, err = PathExists(filepath.Join(dir, "missing"))
	check(t, assertions.ShouldBeNil(err))
	check(t, assertions.ShouldBeFalse(ok))
}

func TestCreateFileBySize(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "disk.img")
	check(t, assertions.ShouldBeNil(CreateFileBySize(target, 4096)))

	stat, err := os.Stat(target)
	check(t, assertions.ShouldBeNil(err))
	check(t, assertions.ShouldEqual(stat.Size(), int64(4096)))

	// 不会缩小已有文件
	check(t, assertions.ShouldBeNil(CreateFileBySize(target, 512)))
	stat, _ = os.Stat(target)
	check(t, assertions.ShouldEqual(stat.Size(), int64(4096)))
}
