package foldersync

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const hashBlockSize = 64 * 1024

// HashFile digests the contents of a single file in fixed size blocks, so
// memory use is bounded regardless of file size. Any read error discards the
// partial state and fails the whole call.
func HashFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	digest := xxhash.New()
	buffer := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(digest, file, buffer); err != nil {
		return 0, err
	}
	return digest.Sum64(), nil
}

// HashCommon computes content digests for every regular file present in both
// inventories, on both sides, using a bounded worker pool. Files that cannot
// be read are marked unreadable and produce one error event each; they are
// skipped later by the diff.
func HashCommon(source, replica *Inventory, parallel int, perf *performance) {
	if parallel < 1 {
		parallel = 1
	}

	queue := make(chan string, parallel*2)
	var workers sync.WaitGroup
	for i := 0; i < parallel; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for name := range queue {
				for _, side := range [2]*Inventory{source, replica} {
					fi, found := side.Get(name)
					if !found || fi.Unreadable {
						continue
					}
					path := filepath.Join(side.Root, filepath.FromSlash(name))
					hash, err := HashFile(path)
					if err != nil {
						Logger.Error().Msgf("Error hashing %v: %v", path, err)
						perf.Add(ItemErrors, 1)
						side.markUnreadable(name)
						continue
					}
					side.setHash(name, hash)
					perf.Add(FilesHashed, 1)
					perf.Add(HashedBytes, uint64(fi.Size))
				}
			}
		}()
	}

	replica.Each(func(rfi FileInfo) bool {
		if rfi.IsDir || rfi.Mode&os.ModeType != 0 {
			return true
		}
		sfi, found := source.Get(rfi.Name)
		if !found || sfi.IsDir || sfi.Mode&os.ModeType != 0 {
			return true
		}
		queue <- rfi.Name
		return true
	})
	close(queue)
	workers.Wait()
}
