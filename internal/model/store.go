package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/feature"
	"github.com/arnberg/confide/internal/intent"
	"github.com/arnberg/confide/internal/selector"
	"github.com/arnberg/confide/internal/synonym"
)

// FormatVersion is bumped whenever the artifact layout changes
// incompatibly. Load refuses artifacts written with any other version.
const FormatVersion = 1

var (
	bucketMeta       = []byte("meta")
	bucketVocab      = []byte("vocab")
	bucketClassifier = []byte("classifier")
	bucketSelector   = []byte("selector")
	bucketGazetteer  = []byte("gazetteer")
	bucketSynonyms   = []byte("synonyms")
	bucketGroups     = []byte("groups")
	bucketVariants   = []byte("variants")
	bucketThresholds = []byte("thresholds")
)

// classifierMeta carries the non-matrix classifier fields; the weight
// matrices themselves are stored as raw little-endian blobs for an exact
// float round trip.
type classifierMeta struct {
	Classes []string `json:"classes"`
	Counts  []int    `json:"counts"`
	Dim     int      `json:"dim"`
	Margin  float64  `json:"margin"`
}

type selectorMeta struct {
	Dim        int      `json:"dim"`
	EmbedDim   int      `json:"embed_dim"`
	Candidates []string `json:"candidates"`
}

// Save writes the artifact to path atomically: the full file is assembled
// under a temporary name and renamed into place, so a crash or a validation
// failure never leaves a partial artifact behind.
func Save(path string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	db, err := bolt.Open(tmp, 0o600, nil)
	if err != nil {
		return fmt.Errorf("creating artifact file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta := a.Meta
		meta.FormatVersion = FormatVersion

		if err := putJSON(tx, bucketMeta, "meta", meta); err != nil {
			return err
		}
		if err := putJSON(tx, bucketVocab, "vocab", a.Vocab); err != nil {
			return err
		}
		if err := putJSON(tx, bucketGazetteer, "gazetteer", a.Gazetteer); err != nil {
			return err
		}
		if err := putJSON(tx, bucketSynonyms, "synonyms", a.Synonyms); err != nil {
			return err
		}
		if err := putJSON(tx, bucketGroups, "groups", a.Groups); err != nil {
			return err
		}
		if err := putJSON(tx, bucketVariants, "variants", a.Variants); err != nil {
			return err
		}
		if err := putJSON(tx, bucketThresholds, "thresholds", a.Thresholds); err != nil {
			return err
		}

		cb, err := tx.CreateBucketIfNotExists(bucketClassifier)
		if err != nil {
			return err
		}
		cm := classifierMeta{
			Classes: a.Classifier.Classes,
			Counts:  a.Classifier.Counts,
			Dim:     a.Classifier.Dim,
			Margin:  a.Classifier.Margin,
		}
		data, err := json.Marshal(cm)
		if err != nil {
			return err
		}
		if err := cb.Put([]byte("meta"), data); err != nil {
			return err
		}
		if err := cb.Put([]byte("w"), encodeMatrix(a.Classifier.W)); err != nil {
			return err
		}
		if err := cb.Put([]byte("b"), encodeFloat64s(a.Classifier.B)); err != nil {
			return err
		}

		sb, err := tx.CreateBucketIfNotExists(bucketSelector)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(a.Selector.Cands))
		for id := range a.Selector.Cands {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sm := selectorMeta{Dim: a.Selector.Dim, EmbedDim: a.Selector.EmbedDim, Candidates: ids}
		data, err = json.Marshal(sm)
		if err != nil {
			return err
		}
		if err := sb.Put([]byte("meta"), data); err != nil {
			return err
		}
		if err := sb.Put([]byte("in"), encodeMatrix(a.Selector.In)); err != nil {
			return err
		}
		if err := sb.Put([]byte("out"), encodeMatrix(a.Selector.Out)); err != nil {
			return err
		}
		for _, id := range ids {
			if err := sb.Put([]byte("cand:"+id), encodeFloat64s(a.Selector.Cands[id])); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing artifact: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing artifact: %w", err)
	}
	return nil
}

// Load reads an artifact from path and validates it. Every structural or
// dimensional problem wraps ErrMismatch so callers can fail fast before
// serving.
func Load(path string) (*Artifact, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer db.Close()

	a := &Artifact{}
	err = db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketMeta, "meta", &a.Meta); err != nil {
			return err
		}
		if a.Meta.FormatVersion != FormatVersion {
			return fmt.Errorf("artifact format version %d, want %d: %w", a.Meta.FormatVersion, FormatVersion, ErrMismatch)
		}

		a.Vocab = &feature.Vocabulary{}
		if err := getJSON(tx, bucketVocab, "vocab", a.Vocab); err != nil {
			return err
		}
		if err := a.Vocab.Compile(); err != nil {
			return fmt.Errorf("%v: %w", err, ErrMismatch)
		}
		a.Gazetteer = &intent.Gazetteer{}
		if err := getJSON(tx, bucketGazetteer, "gazetteer", a.Gazetteer); err != nil {
			return err
		}
		a.Synonyms = synonym.Table{}
		if err := getJSON(tx, bucketSynonyms, "synonyms", &a.Synonyms); err != nil {
			return err
		}
		if err := getJSON(tx, bucketGroups, "groups", &a.Groups); err != nil {
			return err
		}
		a.Variants = map[string]corpus.Variant{}
		if err := getJSON(tx, bucketVariants, "variants", &a.Variants); err != nil {
			return err
		}
		if err := getJSON(tx, bucketThresholds, "thresholds", &a.Thresholds); err != nil {
			return err
		}

		cb := tx.Bucket(bucketClassifier)
		if cb == nil {
			return fmt.Errorf("artifact missing classifier: %w", ErrMismatch)
		}
		var cm classifierMeta
		if err := json.Unmarshal(cb.Get([]byte("meta")), &cm); err != nil {
			return fmt.Errorf("decoding classifier meta: %w", err)
		}
		wm, err := decodeMatrix(cb.Get([]byte("w")), len(cm.Classes), cm.Dim)
		if err != nil {
			return fmt.Errorf("classifier weights: %v: %w", err, ErrMismatch)
		}
		bias, err := decodeFloat64s(cb.Get([]byte("b")))
		if err != nil {
			return fmt.Errorf("classifier bias: %v: %w", err, ErrMismatch)
		}
		a.Classifier = &intent.Weights{
			Classes: cm.Classes,
			Counts:  cm.Counts,
			Dim:     cm.Dim,
			Margin:  cm.Margin,
			W:       wm,
			B:       bias,
		}

		sb := tx.Bucket(bucketSelector)
		if sb == nil {
			return fmt.Errorf("artifact missing selector: %w", ErrMismatch)
		}
		var sm selectorMeta
		if err := json.Unmarshal(sb.Get([]byte("meta")), &sm); err != nil {
			return fmt.Errorf("decoding selector meta: %w", err)
		}
		in, err := decodeMatrix(sb.Get([]byte("in")), sm.EmbedDim, sm.Dim)
		if err != nil {
			return fmt.Errorf("selector input projection: %v: %w", err, ErrMismatch)
		}
		out, err := decodeMatrix(sb.Get([]byte("out")), sm.EmbedDim, sm.Dim)
		if err != nil {
			return fmt.Errorf("selector output projection: %v: %w", err, ErrMismatch)
		}
		cands := make(map[string][]float64, len(sm.Candidates))
		for _, id := range sm.Candidates {
			e, err := decodeFloat64s(sb.Get([]byte("cand:" + id)))
			if err != nil {
				return fmt.Errorf("embedding for %s: %v: %w", id, err, ErrMismatch)
			}
			cands[id] = e
		}
		a.Selector = &selector.Weights{
			Dim:      sm.Dim,
			EmbedDim: sm.EmbedDim,
			In:       in,
			Out:      out,
			Cands:    cands,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b, err := tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", bucket, err)
	}
	return b.Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("artifact missing %s: %w", bucket, ErrMismatch)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("artifact missing %s/%s: %w", bucket, key, ErrMismatch)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", bucket, err)
	}
	return nil
}

// encodeFloat64s serializes a float64 slice to little-endian bytes. Storing
// raw bits keeps save/load round trips exact.
func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// decodeFloat64s deserializes little-endian bytes into a new float64 slice.
func decodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("byte length %d is not a multiple of 8", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}

// encodeMatrix concatenates rows into one float blob.
func encodeMatrix(m [][]float64) []byte {
	var total int
	for _, row := range m {
		total += len(row)
	}
	flat := make([]float64, 0, total)
	for _, row := range m {
		flat = append(flat, row...)
	}
	return encodeFloat64s(flat)
}

// decodeMatrix splits a float blob back into rows x cols, verifying the
// element count matches exactly.
func decodeMatrix(b []byte, rows, cols int) ([][]float64, error) {
	flat, err := decodeFloat64s(b)
	if err != nil {
		return nil, err
	}
	if len(flat) != rows*cols {
		return nil, fmt.Errorf("matrix has %d elements, want %d x %d", len(flat), rows, cols)
	}
	m := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		m[r] = flat[r*cols : (r+1)*cols]
	}
	return m, nil
}
