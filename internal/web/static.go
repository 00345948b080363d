package web

import (
	"embed"
	"errors"
)

// staticFiles holds the embedded control page.
//
//go:embed static/*
var staticFiles embed.FS

var errNoStatic = errors.New("static files unavailable")
