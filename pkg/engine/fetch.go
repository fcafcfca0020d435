package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of files acquired per repository call.
const DefaultBatchSize = 10

// FetchResult reports what the fetch stage found and downloaded.
type FetchResult struct {
	// Folder is the resolved repository folder.
	Folder *RepositoryFolder `json:"folder"`

	// LocalPath is the staged copy of the repository folder.
	LocalPath string `json:"local_path"`

	// FilesFound is the number of files selected for download.
	FilesFound int `json:"files_found"`

	// FoldersFound is the number of subfolders walked.
	FoldersFound int `json:"folders_found"`

	// FilesFetched is the number of files in batches that downloaded successfully.
	FilesFetched int `json:"files_fetched"`

	// FailedBatches is the number of batches whose download failed.
	FailedBatches int `json:"failed_batches"`

	// Warnings describes every failed batch.
	Warnings []string `json:"warnings,omitempty"`
}

// Fetcher downloads a repository folder tree into the staging root.
type Fetcher struct {
	repo       Repository
	fs         Filesystem
	batchSize  int
	exclusions Exclusions
	logger     zerolog.Logger
}

// NewFetcher creates a fetcher. A non-positive batchSize uses DefaultBatchSize.
func NewFetcher(repo Repository, fs Filesystem, batchSize int, exclusions Exclusions, logger zerolog.Logger) *Fetcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Fetcher{
		repo:       repo,
		fs:         fs,
		batchSize:  batchSize,
		exclusions: exclusions,
		logger:     logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch resolves the entry's repository folder, enumerates it depth-first and downloads
// the files batch by batch into stagingRoot. A failed batch is logged and skipped. The
// context is checked between batches; onBatch, when set, is called after every batch.
func (f *Fetcher) Fetch(
	ctx context.Context,
	entry CatalogEntry,
	stagingRoot string,
	onBatch func(done, total int),
) (*FetchResult, error) {
	result := &FetchResult{
		LocalPath: StagedFolder(stagingRoot, entry),
	}

	folder, err := f.repo.ResolveFolder(ctx, entry.RepositoryPath)
	if err != nil {
		rerr := NewRepositoryError("repository folder not found: "+entry.RepositoryPath, err).
			WithStage(StageFetch).
			WithDetail("path", entry.RepositoryPath)
		if errors.Is(err, ErrFolderNotFound) {
			rerr = rerr.WithCode(ErrCodeFolderNotFound)
		}
		return result, rerr
	}
	if folder == nil {
		return result, NewRepositoryError("repository folder not found: "+entry.RepositoryPath, ErrFolderNotFound).
			WithStage(StageFetch).
			WithCode(ErrCodeFolderNotFound)
	}
	result.Folder = folder

	var files []RepositoryFile
	if err := f.collect(ctx, folder, folder.Path, &files, &result.FoldersFound); err != nil {
		return result, NewRepositoryError("failed to enumerate repository folder", err).
			WithStage(StageFetch).
			WithDetail("path", folder.Path)
	}
	result.FilesFound = len(files)

	if len(files) == 0 {
		return result, NewRepositoryError("no files found", nil).
			WithStage(StageFetch).
			WithCode(ErrCodeNoFiles).
			WithDetail("path", folder.Path)
	}

	f.logger.Info().
		Str("path", folder.Path).
		Int("files", len(files)).
		Int("folders", result.FoldersFound).
		Msg("Repository folder enumerated")

	total := len(files)
	done := 0
	for start := 0; start < total; start += f.batchSize {
		if err := ctx.Err(); err != nil {
			return result, NewRepositoryError("fetch interrupted", err).
				WithStage(StageFetch).
				WithCode(ErrCodeFetchInterrupted)
		}

		end := start + f.batchSize
		if end > total {
			end = total
		}
		batch := files[start:end]

		if err := f.repo.Acquire(ctx, batch, stagingRoot); err != nil {
			result.FailedBatches++
			msg := fmt.Sprintf("batch %d-%d of %d failed to download: %v", start+1, end, total, err)
			result.Warnings = append(result.Warnings, msg)
			f.logger.Warn().Err(err).
				Int("from", start+1).
				Int("to", end).
				Int("total", total).
				Msg("Batch download failed, continuing")
		} else {
			result.FilesFetched += len(batch)
		}

		done = end
		if onBatch != nil {
			onBatch(done, total)
		}

		runtime.Gosched()
	}

	if err := f.fs.NormalizeAttributes(stagingRoot); err != nil {
		msg := fmt.Sprintf("failed to normalize staged file attributes: %v", err)
		result.Warnings = append(result.Warnings, msg)
		f.logger.Warn().Err(err).Str("root", stagingRoot).Msg("Attribute normalization failed")
	}

	return result, nil
}

// collect appends the files directly in folder, then walks every subfolder.
func (f *Fetcher) collect(
	ctx context.Context,
	folder *RepositoryFolder,
	rootPath string,
	files *[]RepositoryFile,
	folders *int,
) error {
	latest, err := f.repo.ListLatestFiles(ctx, folder)
	if err != nil {
		return fmt.Errorf("failed to list files of %s: %w", folder.Path, err)
	}
	for _, file := range latest {
		if f.exclusions.MatchFile(relativeRepoPath(rootPath, file.Path)) {
			continue
		}
		*files = append(*files, file)
	}

	subs, err := f.repo.ListSubfolders(ctx, folder)
	if err != nil {
		return fmt.Errorf("failed to list subfolders of %s: %w", folder.Path, err)
	}
	for i := range subs {
		sub := subs[i]
		if f.exclusions.MatchDir(relativeRepoPath(rootPath, sub.Path)) {
			continue
		}
		*folders++
		if err := f.collect(ctx, &sub, rootPath, files, folders); err != nil {
			return err
		}
	}

	return nil
}

func relativeRepoPath(root, p string) string {
	root = strings.TrimRight(root, "/")
	rel := strings.TrimPrefix(p, root)
	return strings.TrimPrefix(rel, "/")
}
