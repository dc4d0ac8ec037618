package session

import (
	"path/filepath"
	"strings"
)

type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryFile  Category = "file"
)

var extensionCategories = map[string]Category{
	"jpg":  CategoryImage,
	"jpeg": CategoryImage,
	"png":  CategoryImage,
	"gif":  CategoryImage,
	"bmp":  CategoryImage,
	"webp": CategoryImage,
	"heic": CategoryImage,
	"heif": CategoryImage,
	"mp4":  CategoryVideo,
	"mov":  CategoryVideo,
	"avi":  CategoryVideo,
	"mkv":  CategoryVideo,
	"webm": CategoryVideo,
	"3gp":  CategoryVideo,
	"m4v":  CategoryVideo,
}

// CategoryFor maps a file name to its content category by extension.
func CategoryFor(fileName string) Category {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if c, ok := extensionCategories[strings.ToLower(ext)]; ok {
		return c
	}
	return CategoryFile
}
