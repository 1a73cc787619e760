package corpus

import "errors"

var (
	// ErrCorpusLoad signals that a corpus could not be loaded. It is fatal at startup.
	ErrCorpusLoad = errors.New("corpus load failed")
	// ErrPassageNotFound signals a lookup for an id that is not in the store.
	ErrPassageNotFound = errors.New("passage not found")
	// ErrUnknownCorpus signals an unrecognized corpus name.
	ErrUnknownCorpus = errors.New("unknown corpus")
)
