//go:build cuda

package main

import _ "github.com/samcharles93/kerneltune/internal/backend/cuda"
