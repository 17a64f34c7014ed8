package webui

import (
	"embed"
	"io/fs"
)

// content holds the static demo page served at "/".
//
//go:embed dist/*
var content embed.FS

func FS() fs.FS {
	return content
}
