package batch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sujitdhar014/image-processing-backend/internal/imaging"
)

// Item は1商品分の処理結果です。作成後は変更しません。
type Item struct {
	Sequence   int
	Name       string
	SourceURLs []string
	Outputs    []imaging.Outcome // SourceURLs と同じ長さ・順序
}

// OutputRefs は出力参照（失敗時は失敗マーカー）を入力と同じ順序で返します。
func (i Item) OutputRefs() []string {
	refs := make([]string, len(i.Outputs))
	for idx, out := range i.Outputs {
		refs[idx] = out.String()
	}
	return refs
}

// FailedCount は失敗した画像の数を返します。
func (i Item) FailedCount() int {
	n := 0
	for _, out := range i.Outputs {
		if out.Failed() {
			n++
		}
	}
	return n
}

// Transformer は1枚の画像を処理する機能です。
type Transformer interface {
	Transform(ctx context.Context, key imaging.Key, sourceURL string) imaging.Outcome
}

// ItemProcessor は1商品の全画像を処理します。画像の同時実行数は sem で制限されます。
type ItemProcessor struct {
	transformer Transformer
	sem         *semaphore.Weighted
	logger      *slog.Logger
}

// NewItemProcessor は同時に imageWorkers 枚まで処理する ItemProcessor を作成します。
func NewItemProcessor(t Transformer, imageWorkers int, logger *slog.Logger) *ItemProcessor {
	if imageWorkers < 1 {
		imageWorkers = 1
	}
	return &ItemProcessor{
		transformer: t,
		sem:         semaphore.NewWeighted(int64(imageWorkers)),
		logger:      logger,
	}
}

// Process は row の全画像を処理し、位置を保ったまま結果を返します。失敗しても Item は必ず返します。
func (p *ItemProcessor) Process(ctx context.Context, jobID string, row Row) Item {
	outputs := make([]imaging.Outcome, len(row.SourceURLs))

	var wg sync.WaitGroup
	for idx, sourceURL := range row.SourceURLs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			outputs[idx] = imaging.Outcome{Err: &imaging.Failure{Stage: "fetch", Err: err}}
			continue
		}
		wg.Add(1)
		go func(idx int, sourceURL string) {
			defer wg.Done()
			defer p.sem.Release(1)

			key := imaging.Key{JobID: jobID, Sequence: row.Sequence, Index: idx}
			out := p.transformer.Transform(ctx, key, sourceURL)
			if out.Failed() && p.logger != nil {
				p.logger.Warn("image failed",
					"sequence", row.Sequence,
					"index", idx,
					"url", sourceURL,
					"error", out.Err.Error(),
				)
			}
			outputs[idx] = out
		}(idx, sourceURL)
	}
	wg.Wait()

	return Item{
		Sequence:   row.Sequence,
		Name:       row.Name,
		SourceURLs: row.SourceURLs,
		Outputs:    outputs,
	}
}
