package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"duasync/pkg/types"
)

// Quran file names inside the data directory
const (
	QuranArabicFile          = "arabic.json"
	QuranTransliterationFile = "transliteration.json"
	QuranTranslationFile     = "translation.json"
	DuaDir                   = "duas"
)

// ItemWriter persists imported items
type ItemWriter interface {
	ReplaceItems(ctx context.Context, items []Item) error
}

// ImportStats reports how many items of each family were written
type ImportStats struct {
	Quran int
	Duas  int
}

// Importer loads JSON content files into the catalog
type Importer struct {
	writer  ItemWriter
	dataDir string
}

// NewImporter reads from dataDir and writes through w
func NewImporter(w ItemWriter, dataDir string) *Importer {
	return &Importer{writer: w, dataDir: dataDir}
}

// Import loads the Quran three-file set and every dua file. A missing family
// is skipped; malformed files fail the import.
func (im *Importer) Import(ctx context.Context) (ImportStats, error) {
	var stats ImportStats

	info, err := os.Stat(im.dataDir)
	if err != nil || !info.IsDir() {
		return stats, fmt.Errorf("%w: %s", ErrDataDirNotFound, im.dataDir)
	}

	quran, err := im.loadQuran()
	if err != nil {
		return stats, err
	}
	if len(quran) > 0 {
		if err := im.writer.ReplaceItems(ctx, quran); err != nil {
			return stats, fmt.Errorf("failed to store quran: %w", err)
		}
		stats.Quran = len(quran)
	}

	duas, err := im.loadDuas()
	if err != nil {
		return stats, err
	}
	if len(duas) > 0 {
		if err := im.writer.ReplaceItems(ctx, duas); err != nil {
			return stats, fmt.Errorf("failed to store duas: %w", err)
		}
		stats.Duas = len(duas)
	}

	log.Info().
		Str("dir", im.dataDir).
		Int("quran", stats.Quran).
		Int("duas", stats.Duas).
		Msg("content imported")
	return stats, nil
}

// readJSON returns the parsed document, or an empty result when the file
// does not exist
func readJSON(path string) (gjson.Result, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return gjson.Result{}, false, nil
		}
		return gjson.Result{}, false, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, false, fmt.Errorf("%w: %s is not valid JSON", ErrMalformedData, path)
	}
	return gjson.ParseBytes(data), true, nil
}

func (im *Importer) loadQuran() ([]Item, error) {
	arabic, ok, err := readJSON(filepath.Join(im.dataDir, QuranArabicFile))
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debug().Str("dir", im.dataDir).Msg("no quran data")
		return nil, nil
	}
	if !arabic.IsObject() {
		return nil, fmt.Errorf("%w: %s must be an object keyed by surah", ErrMalformedData, QuranArabicFile)
	}

	translit, ok, err := readJSON(filepath.Join(im.dataDir, QuranTransliterationFile))
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().Msg("quran transliteration missing, importing without it")
	}
	translation, ok, err := readJSON(filepath.Join(im.dataDir, QuranTranslationFile))
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().Msg("quran translation missing, importing without it")
	}

	var items []Item
	arabic.ForEach(func(key, surah gjson.Result) bool {
		surahID := key.String()
		ayahs := surah.Get("Ayahs")
		if !ayahs.IsObject() {
			log.Warn().Str("surah", surahID).Msg("skipping surah without Ayahs object")
			return true
		}

		total := 0
		ayahs.ForEach(func(_, _ gjson.Result) bool {
			total++
			return true
		})

		translitAyahs := lookupKey(translit, surahID).Get("Ayahs")
		translationAyahs := lookupKey(translation, surahID).Get("Ayahs")

		units := make([]types.ContentUnit, 0, total)
		for i := 1; i <= total; i++ {
			n := strconv.Itoa(i)
			units = append(units, types.ContentUnit{
				Number:          i,
				Arabic:          lookupKey(ayahs, n).Get("Arabic").String(),
				Transliteration: lookupKey(translitAyahs, n).Get("Transliteration").String(),
				Translation:     translationText(lookupKey(translationAyahs, n)),
			})
		}

		position, err := strconv.Atoi(surahID)
		if err != nil {
			position = len(items) + 1
		}

		items = append(items, Item{
			Metadata: types.ContentMetadata{
				Type:        types.ContentTypeQuran,
				ID:          surahID,
				Title:       surahTitle(surah, surahID),
				ArabicTitle: surah.Get("SurahArabicName").String(),
				TotalUnits:  total,
			},
			Position: position,
			Units:    units,
		})
		return true
	})

	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func surahTitle(surah gjson.Result, surahID string) string {
	for _, field := range []string{"SurahEnglishNames", "SurahTransliteratedName"} {
		if v := strings.TrimSpace(surah.Get(field).String()); v != "" {
			return v
		}
	}
	return "Surah " + surahID
}

// translationText reads "Translation" when present, otherwise the first
// string field. Translation files key the text by translator name.
func translationText(ayah gjson.Result) string {
	if !ayah.IsObject() {
		return ""
	}
	if v := ayah.Get("Translation"); v.Type == gjson.String {
		return v.String()
	}
	var text string
	ayah.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String {
			text = value.String()
			return false
		}
		return true
	})
	return text
}

// lookupKey fetches an object member by literal key
func lookupKey(obj gjson.Result, key string) gjson.Result {
	if !obj.IsObject() {
		return gjson.Result{}
	}
	var found gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found = v
			return false
		}
		return true
	})
	return found
}

func (im *Importer) loadDuas() ([]Item, error) {
	files, err := filepath.Glob(filepath.Join(im.dataDir, DuaDir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	items := make([]Item, 0, len(files))
	for i, path := range files {
		doc, _, err := readJSON(path)
		if err != nil {
			return nil, err
		}
		item, err := parseDua(doc, path)
		if err != nil {
			return nil, err
		}
		if item.Position == 0 {
			item.Position = i + 1
		}
		items = append(items, item)
	}
	return items, nil
}

func parseDua(doc gjson.Result, path string) (Item, error) {
	if !doc.IsObject() {
		return Item{}, fmt.Errorf("%w: %s must be an object", ErrMalformedData, path)
	}

	id := strings.TrimSpace(doc.Get("id").String())
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	title := strings.TrimSpace(doc.Get("title").String())
	if title == "" {
		return Item{}, fmt.Errorf("%w: %s has no title", ErrMalformedData, path)
	}

	arabic := stringArray(doc.Get("arabic"))
	translit := stringArray(doc.Get("transliteration"))
	translation := stringArray(doc.Get("translation"))

	total := max(len(arabic), len(translit), len(translation))
	units := make([]types.ContentUnit, total)
	for i := range units {
		units[i] = types.ContentUnit{
			Number:          i + 1,
			Arabic:          at(arabic, i),
			Transliteration: at(translit, i),
			Translation:     at(translation, i),
		}
	}

	return Item{
		Metadata: types.ContentMetadata{
			Type:        types.ContentTypeDua,
			ID:          id,
			Title:       title,
			ArabicTitle: doc.Get("arabicTitle").String(),
			TotalUnits:  total,
		},
		Position: int(doc.Get("position").Int()),
		Units:    units,
	}, nil
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	arr := r.Array()
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.String()
	}
	return out
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
