package main

import "tools.zach/dev/inputbridge/internal/paths"

// DataPaths is the daemon's view of its data directory.
type DataPaths = paths.DataDir
