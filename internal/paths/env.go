package paths

import "os"

// getenv is swapped in tests.
var getenv = os.Getenv
