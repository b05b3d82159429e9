package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"go.uber.org/zap"
)

// DefaultChunkSize is the fixed chunk size used when none is configured
const DefaultChunkSize = 4096

// DeltaService generates chunk signatures and computes copy/insert deltas
// between file versions. Chunk boundaries are at fixed offsets; the final
// chunk of a file may be short.
type DeltaService struct {
	chunkSize int
	logger    *zap.Logger
}

// NewDeltaService creates a delta service with the given chunk size
func NewDeltaService(chunkSize int, logger *zap.Logger) *DeltaService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &DeltaService{chunkSize: chunkSize, logger: logger}
}

// ChunkSize returns the configured chunk size
func (s *DeltaService) ChunkSize() int {
	return s.chunkSize
}

// HashChunk returns the hex-encoded SHA-256 of a chunk body
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signature splits content into fixed-offset chunks and records index,
// offset, size, and SHA-256 for each. Empty content yields an empty
// signature.
func (s *DeltaService) Signature(content []byte) []model.ChunkSignature {
	if len(content) == 0 {
		return []model.ChunkSignature{}
	}

	signatures := make([]model.ChunkSignature, 0, (len(content)+s.chunkSize-1)/s.chunkSize)
	for offset, index := 0, 0; offset < len(content); index++ {
		end := offset + s.chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunk := content[offset:end]
		signatures = append(signatures, model.ChunkSignature{
			Index:  index,
			Offset: int64(offset),
			Size:   len(chunk),
			Hash:   HashChunk(chunk),
		})
		offset = end
	}
	return signatures
}

// SignatureDigest is the hex-encoded SHA-256 over the concatenated chunk
// hashes of a signature. It identifies the base a delta was computed
// against.
func SignatureDigest(signature []model.ChunkSignature) string {
	h := sha256.New()
	for _, chunk := range signature {
		h.Write([]byte(chunk.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is the hex-encoded SHA-256 of the full content
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ComputeDelta builds the operations that transform the content described
// by base into newContent. Chunks whose hash appears in the base become
// copy ops (first occurrence wins); consecutive copies of contiguous base
// indices are merged into one span. Everything else is an insert carrying
// the chunk bytes.
func (s *DeltaService) ComputeDelta(base []model.ChunkSignature, newContent []byte) *model.Delta {
	newSig := s.Signature(newContent)

	baseIndex := make(map[string]int, len(base))
	for _, chunk := range base {
		if _, seen := baseIndex[chunk.Hash]; !seen {
			baseIndex[chunk.Hash] = chunk.Index
		}
	}

	delta := &model.Delta{
		BaseDigest:  SignatureDigest(base),
		NewSize:     int64(len(newContent)),
		ContentHash: ContentHash(newContent),
		Ops:         make([]model.DeltaOp, 0, len(newSig)),
	}

	for _, chunk := range newSig {
		if from, ok := baseIndex[chunk.Hash]; ok {
			n := len(delta.Ops)
			if n > 0 && delta.Ops[n-1].Type == model.DeltaCopy &&
				delta.Ops[n-1].FromIndex+delta.Ops[n-1].Count == from {
				delta.Ops[n-1].Count++
				continue
			}
			delta.Ops = append(delta.Ops, model.DeltaOp{
				Type:      model.DeltaCopy,
				FromIndex: from,
				Count:     1,
			})
			continue
		}

		body := newContent[chunk.Offset : chunk.Offset+int64(chunk.Size)]
		data := make([]byte, len(body))
		copy(data, body)
		delta.Ops = append(delta.Ops, model.DeltaOp{
			Type: model.DeltaInsert,
			Hash: chunk.Hash,
			Size: chunk.Size,
			Data: data,
		})
	}

	return delta
}

// Apply reconstructs new content from base content plus a delta. The result
// is verified against the delta's declared size and content hash; a
// mismatch fails with a DELTA_INTEGRITY_ERROR.
func (s *DeltaService) Apply(base []byte, delta *model.Delta) ([]byte, error) {
	baseSig := s.Signature(base)

	if digest := SignatureDigest(baseSig); digest != delta.BaseDigest {
		return nil, syncerrors.DeltaIntegrity(
			fmt.Sprintf("delta was computed against base %s, not %s", delta.BaseDigest, digest))
	}

	out := make([]byte, 0, delta.NewSize)
	for _, op := range delta.Ops {
		switch op.Type {
		case model.DeltaCopy:
			if op.FromIndex < 0 || op.FromIndex+op.Count > len(baseSig) {
				return nil, syncerrors.DeltaIntegrity(
					fmt.Sprintf("copy span [%d,%d) outside base of %d chunks", op.FromIndex, op.FromIndex+op.Count, len(baseSig)))
			}
			for i := op.FromIndex; i < op.FromIndex+op.Count; i++ {
				sig := baseSig[i]
				out = append(out, base[sig.Offset:sig.Offset+int64(sig.Size)]...)
			}
		case model.DeltaInsert:
			if len(op.Data) == 0 {
				return nil, syncerrors.MissingChunk(op.Hash)
			}
			if HashChunk(op.Data) != op.Hash {
				return nil, syncerrors.DeltaIntegrity(
					fmt.Sprintf("inserted chunk does not hash to %s", op.Hash))
			}
			out = append(out, op.Data...)
		default:
			return nil, syncerrors.DeltaIntegrity(fmt.Sprintf("unknown delta op type %q", op.Type))
		}
	}

	if int64(len(out)) != delta.NewSize {
		return nil, syncerrors.DeltaIntegrity(
			fmt.Sprintf("reconstructed %d bytes, delta declares %d", len(out), delta.NewSize))
	}
	if hash := ContentHash(out); hash != delta.ContentHash {
		return nil, syncerrors.DeltaIntegrity(
			fmt.Sprintf("reconstructed content hashes to %s, delta declares %s", hash, delta.ContentHash))
	}

	return out, nil
}

// Metrics summarizes the transfer economics of a delta
func (s *DeltaService) Metrics(delta *model.Delta) model.DeltaMetrics {
	m := model.DeltaMetrics{}
	var copiedBytes int64

	for _, op := range delta.Ops {
		switch op.Type {
		case model.DeltaCopy:
			m.ChunksCopied += op.Count
		case model.DeltaInsert:
			m.ChunksInserted++
			m.BytesTransferred += int64(op.Size)
		}
	}

	m.ChunksTotal = m.ChunksCopied + m.ChunksInserted
	copiedBytes = delta.NewSize - m.BytesTransferred
	m.BytesSaved = copiedBytes
	if delta.NewSize > 0 {
		m.CompressionRatio = float64(m.BytesSaved) / float64(delta.NewSize)
	}
	return m
}
