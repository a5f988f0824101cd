package storage

import (
	"io"
	"log"

	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// ErrIncomplete is returned by Export while any piece is still missing.
var ErrIncomplete = errors.New("content incomplete")

// Storage holds verified piece bytes and the completion bitmap for the
// local copy. It never accepts unverified data; hash checks happen in the
// piece manager before PutVerified is called.
type Storage interface {
	Has(pieceIndex int) bool
	// PutVerified is idempotent; a second call for a stored index is a no-op.
	PutVerified(pieceIndex int, data []byte) error
	// BlockReadRequest serves bytes of a verified piece to a remote peer.
	BlockReadRequest(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	// Export streams the reconstructed content once every piece is present.
	Export(w io.Writer) error
	GetCurrentDownloadState() (clientBitfield bitmap.Bitmap, completed bool, left int)
}

func fail(err error) {
	if err != nil {
		log.Fatalln(err)
	}
}
