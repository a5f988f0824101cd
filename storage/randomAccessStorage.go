package storage

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	torrent   *torrent.Torrent
	files     []afero.File
	fileLens  []int
	fileLocks []*sync.Mutex

	verifiedMu sync.RWMutex
	verified   bitmap.Bitmap
	numHave    int
}

func NewRandomAccessStorage(
	torrent *torrent.Torrent) Storage {

	storage := &randomAccessStorage{
		torrent:  torrent,
		verified: bitmap.New(torrent.NumPieces),
	}
	storage.init()
	return storage
}

func openOrCreateFile(path string) afero.File {
	file, err := openFile(path, os.O_CREATE|os.O_RDWR, 0755)
	fail(err)
	return file
}

func (d *randomAccessStorage) init() {
	if len(d.torrent.MetaInfo.Info.Files) > 0 {
		// Multiple File Mode

		// Create root directory
		if _, err := appFS.Stat(d.torrent.MetaInfo.Info.Name); os.IsNotExist(err) {
			err := appFS.Mkdir(d.torrent.MetaInfo.Info.Name, 0755)
			fail(err)
		}

		// Create sub-directories and create/open file handlers
		for _, file := range d.torrent.MetaInfo.Info.Files {
			subdir := strings.Join(append([]string{d.torrent.MetaInfo.Info.Name}, file.Path[:len(file.Path)-1]...), "/")
			if _, err := appFS.Stat(subdir); os.IsNotExist(err) {
				err := appFS.MkdirAll(subdir, 0755)
				fail(err)
			}
			path := strings.Join(append([]string{d.torrent.MetaInfo.Info.Name}, file.Path...), "/")
			d.files = append(d.files, openOrCreateFile(path))
			d.fileLens = append(d.fileLens, file.Length)
			d.fileLocks = append(d.fileLocks, &sync.Mutex{})
		}

	} else {
		// Single File Mode
		d.files = append(d.files, openOrCreateFile(d.torrent.MetaInfo.Info.Name))
		d.fileLens = append(d.fileLens, d.torrent.MetaInfo.Info.Length)
		d.fileLocks = append(d.fileLocks, &sync.Mutex{})
	}
}

// locate maps a content-global byte offset to a (file index, file offset)
// pair.
func (d *randomAccessStorage) locate(offset int) (int, int) {
	fileIndex := 0
	for fileIndex < len(d.fileLens)-1 && offset >= d.fileLens[fileIndex] {
		offset -= d.fileLens[fileIndex]
		fileIndex++
	}
	return fileIndex, offset
}

func (d *randomAccessStorage) readRange(offset, length int) ([]byte, error) {
	fileIndex, fileOffset := d.locate(offset)
	out := make([]byte, 0, length)
	for length > 0 {
		if fileIndex >= len(d.files) {
			return nil, errors.New("read past end of content")
		}
		n := length
		if fileOffset+n > d.fileLens[fileIndex] {
			n = d.fileLens[fileIndex] - fileOffset
		}
		data := make([]byte, n)
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].ReadAt(data, int64(fileOffset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		length -= n
		fileOffset = 0
		fileIndex++
	}
	return out, nil
}

func (d *randomAccessStorage) writeRange(offset int, data []byte) error {
	fileIndex, fileOffset := d.locate(offset)
	for len(data) > 0 {
		if fileIndex >= len(d.files) {
			return errors.New("write past end of content")
		}
		writeLen := len(data)
		if fileOffset+writeLen > d.fileLens[fileIndex] {
			writeLen = d.fileLens[fileIndex] - fileOffset
		}
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].WriteAt(data[:writeLen], int64(fileOffset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return err
		}
		data = data[writeLen:]
		fileOffset = 0
		fileIndex++
	}
	return nil
}

func (d *randomAccessStorage) Has(pieceIndex int) bool {
	d.verifiedMu.RLock()
	defer d.verifiedMu.RUnlock()

	return d.verified.Get(pieceIndex)
}

func (d *randomAccessStorage) PutVerified(pieceIndex int, data []byte) error {
	if len(data) != d.torrent.PieceLength(pieceIndex) {
		return errors.Errorf("piece %d has wrong length %d", pieceIndex, len(data))
	}

	d.verifiedMu.Lock()
	if d.verified.Get(pieceIndex) {
		// Already stored, keep first write
		d.verifiedMu.Unlock()
		return nil
	}
	d.verifiedMu.Unlock()

	offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	if err := d.writeRange(offset, data); err != nil {
		return err
	}

	d.verifiedMu.Lock()
	if !d.verified.Get(pieceIndex) {
		d.verified.Set(pieceIndex, true)
		d.numHave++
	}
	d.verifiedMu.Unlock()
	return nil
}

func (d *randomAccessStorage) BlockReadRequest(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	if !d.Has(pieceIndex) {
		return nil, errors.Errorf("piece %d not verified locally", pieceIndex)
	}
	if blockByteOffset+length > d.torrent.PieceLength(pieceIndex) {
		return nil, errors.Errorf("block read past end of piece %d", pieceIndex)
	}
	offset := pieceIndex*d.torrent.MetaInfo.Info.PieceLength + blockByteOffset
	return d.readRange(offset, length)
}

func (d *randomAccessStorage) Export(w io.Writer) error {
	d.verifiedMu.RLock()
	complete := d.numHave == d.torrent.NumPieces
	d.verifiedMu.RUnlock()
	if !complete {
		return ErrIncomplete
	}

	for pieceIndex := 0; pieceIndex < d.torrent.NumPieces; pieceIndex++ {
		offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
		data, err := d.readRange(offset, d.torrent.PieceLength(pieceIndex))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (d *randomAccessStorage) GetCurrentDownloadState() (bitmap.Bitmap, bool, int) {
	d.verifiedMu.RLock()
	defer d.verifiedMu.RUnlock()

	clientBitfield := bitmap.New(d.torrent.NumPieces)
	left := 0
	for pieceIndex := 0; pieceIndex < d.torrent.NumPieces; pieceIndex++ {
		if d.verified.Get(pieceIndex) {
			clientBitfield.Set(pieceIndex, true)
		} else {
			left += d.torrent.PieceLength(pieceIndex)
		}
	}
	return clientBitfield, d.numHave == d.torrent.NumPieces, left
}
