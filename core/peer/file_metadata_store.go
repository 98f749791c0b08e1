package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/pyropy/dbs/core/model"
)

var (
	ErrFileNotFound = errors.New("file not found")
)

var filesPrefix = ds.NewKey("/files")

// FileMetadataStore keeps the metadata of files this peer backed up, keyed
// by their local path.
type FileMetadataStore struct {
	Files ds.Datastore
}

func NewFileMetadataStore(store ds.Datastore) *FileMetadataStore {
	return &FileMetadataStore{
		Files: store,
	}
}

func fileKey(filePath model.FilePath) ds.Key {
	return filesPrefix.ChildString(url.PathEscape(filePath))
}

func (f *FileMetadataStore) Get(ctx context.Context, filePath model.FilePath) (*model.FileMetadata, error) {
	b, err := f.Files.Get(ctx, fileKey(filePath))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	var file model.FileMetadata
	err = json.Unmarshal(b, &file)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

func (f *FileMetadataStore) CheckFileExists(ctx context.Context, filePath model.FilePath) (bool, error) {
	return f.Files.Has(ctx, fileKey(filePath))
}

// AddNewFileMetadata stores metadata under its path, replacing an earlier
// backup of the same path.
func (f *FileMetadataStore) AddNewFileMetadata(ctx context.Context, metadata model.FileMetadata) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	return f.Files.Put(ctx, fileKey(metadata.Path), b)
}

func (f *FileMetadataStore) All(ctx context.Context) ([]*model.FileMetadata, error) {
	q := dsq.Query{Prefix: filesPrefix.String()}
	files := make([]*model.FileMetadata, 0)

	res, err := f.Files.Query(ctx, q)
	if err != nil {
		return files, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		if r.Error != nil {
			return files, r.Error
		}

		var file model.FileMetadata
		err = json.Unmarshal(r.Value, &file)
		if err != nil {
			return files, err
		}
		files = append(files, &file)
	}

	return files, nil
}
