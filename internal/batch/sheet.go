package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ResultHeader は結果シートのヘッダー行です。
var ResultHeader = []string{"Serial Number", "Product Name", "Input Image Urls", "Output Image Urls"}

const minRowFields = 3

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row は入力シートの有効な1行です。
type Row struct {
	Sequence   int // データ行の1始まりの位置（スキップされた行も位置を消費する）
	Name       string
	SourceURLs []string
}

// Sheet は入力シートの解析結果です。
type Sheet struct {
	Rows    []Row
	Skipped int
}

// ParseSheet は入力CSVを解析します。ヘッダー行は読み飛ばし、
// フィールドが3つ未満の行や解析できない行はスキップして件数だけ数えます。
func ParseSheet(r io.Reader) (*Sheet, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	sheet := &Sheet{}
	headerSeen := false
	position := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to read sheet: %w", err)
			}
			if !headerSeen {
				headerSeen = true
				continue
			}
			position++
			sheet.Skipped++
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}

		position++
		if len(record) < minRowFields {
			sheet.Skipped++
			continue
		}
		sheet.Rows = append(sheet.Rows, Row{
			Sequence:   position,
			Name:       strings.TrimSpace(record[1]),
			SourceURLs: splitURLs(strings.Join(record[2:], ",")),
		})
	}
	return sheet, nil
}

// splitURLs はカンマ区切りの URL を位置を保ったまま分割します。空の要素も残し、失敗扱いにします。
func splitURLs(joined string) []string {
	parts := strings.Split(joined, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// WriteResult は items を結果シートとして書き出します。items は連番の昇順である必要があります。
func WriteResult(w io.Writer, items []Item) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ResultHeader); err != nil {
		return err
	}
	for _, item := range items {
		if err := writer.Write([]string{
			strconv.Itoa(item.Sequence),
			item.Name,
			strings.Join(item.SourceURLs, ","),
			strings.Join(item.OutputRefs(), ","),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
