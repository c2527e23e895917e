package strategy

import "github.com/MykeChidi/ratethrottle/internal/backend"

// Backend is an alias for the shared backend capability interface, kept
// local so strategy files read naturally.
type Backend = backend.Backend
