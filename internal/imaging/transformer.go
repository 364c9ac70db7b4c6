// Package imaging は画像の取得・圧縮・保存を行います。
//
// Transformer は1枚の画像につき必ず Outcome を返し、失敗をパニックやエラーとして
// 呼び出し元へ伝播させません。
package imaging

import (
	"context"
	"fmt"
	"path"
	"strconv"
)

// FailureMarker は失敗した画像の代わりに出力へ記録される値です。
const FailureMarker = "FAILED"

// Saver は成果物の保存先です。
type Saver interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
}

// Key は成果物の保存位置を決める (ジョブID, 連番, 画像インデックス) の組です。
type Key struct {
	JobID    string
	Sequence int // 入力シート上の1始まりの行位置
	Index    int // 商品内の0始まりの画像位置
}

// Path は Key から決定的に導かれる保存キーを返します。
func (k Key) Path() string {
	return path.Join("images", k.JobID, strconv.Itoa(k.Sequence)+"_"+strconv.Itoa(k.Index)+".jpg")
}

// Failure は画像処理が失敗した段階と原因を表します。
type Failure struct {
	Stage string // fetch, decode, write, panic
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome は1枚の画像の処理結果です。Err が nil なら Ref に成果物参照が入ります。
type Outcome struct {
	Ref string
	Err error
}

// Failed は処理が失敗したかどうかを返します。
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// String は成果物参照、または失敗マーカーを返します。
func (o Outcome) String() string {
	if o.Failed() {
		return FailureMarker
	}
	return o.Ref
}

// Options は Transformer の設定です。
type Options struct {
	Quality      int
	MaxDimension int
	MaxPixels    int64 // 0 以下は DefaultMaxPixels
}

// Transformer は画像を取得し、圧縮して保存します。取得の再試行は行いません。
type Transformer struct {
	fetcher Fetcher
	saver   Saver
	opts    Options
}

// NewTransformer は Transformer を作成します。
func NewTransformer(fetcher Fetcher, saver Saver, opts Options) *Transformer {
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Transformer{
		fetcher: fetcher,
		saver:   saver,
		opts:    opts,
	}
}

// Transform は sourceURL の画像を1回だけ処理し、結果を返します。
func (t *Transformer) Transform(ctx context.Context, key Key, sourceURL string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &Failure{Stage: "panic", Err: fmt.Errorf("%v", r)}}
		}
	}()

	data, err := t.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return Outcome{Err: &Failure{Stage: "fetch", Err: err}}
	}

	encoded, err := Reencode(data, t.opts)
	if err != nil {
		return Outcome{Err: &Failure{Stage: "decode", Err: err}}
	}

	ref, err := t.saver.Save(ctx, key.Path(), encoded)
	if err != nil {
		return Outcome{Err: &Failure{Stage: "write", Err: err}}
	}
	return Outcome{Ref: ref}
}
