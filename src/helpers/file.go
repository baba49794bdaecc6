package helpers

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ReadDataFile reads a whole snapshot file. Files on the OS filesystem that are at
// least mmapThreshold bytes are memory mapped and copied out, everything else goes
// through afero. A threshold of 0 disables mapping.
func ReadDataFile(fs afero.Fs, filePath string, mmapThreshold int64) ([]byte, os.FileInfo, error) {
	info, err := fs.Stat(filePath)
	if err != nil {
		return nil, nil, err
	}

	if _, isOS := fs.(*afero.OsFs); isOS && mmapThreshold > 0 && info.Size() >= mmapThreshold {
		data, err := readMapped(filePath, int(info.Size()))
		if err != nil {
			return nil, nil, err
		}
		return data, info, nil
	}

	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

func readMapped(filePath string, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", filePath, err)
	}
	defer file.Close()

	mapped, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to memory map file %s: %w", filePath, err)
	}
	defer unix.Munmap(mapped)

	// the mapping is released on return
	data := make([]byte, len(mapped))
	copy(data, mapped)
	return data, nil
}
