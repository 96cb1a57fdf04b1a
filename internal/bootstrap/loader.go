package bootstrap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"os"

	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/slicing"
	"github.com/dllama-go/dllama/internal/transformer"
	"github.com/dllama-go/dllama/internal/transport"
)

const loadWhere = "bootstrap-load"

// fileReader tracks how many weight bytes have been consumed past the
// header, so LoadRoot can compare against fileSize-headerSize the way
// the reference's loadRoot compares "w - data" against spec->fileSize
// (original_source/src/transformer.cpp).
type fileReader struct {
	r    *bufio.Reader
	read int64
}

func (fr *fileReader) readTensor(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, &dllamaerr.CorruptWeightsFileError{Reason: fmt.Sprintf("truncated weights: %v", err)}
	}
	fr.read += int64(n)
	return buf, nil
}

// LoadRoot opens the model file at path, reads its header, hands every
// worker connection its sliceIndex and ModelSpec, and streams every
// tensor in canonical per-layer order — keeping root's own output-row
// slice of each projection locally and writing every other node's slice
// to its socket (spec.md §4.9, grounded on loadRoot/loadSlicedMatmulWeights
// in original_source/src/transformer.cpp). workerConns must already be
// dialed, in ascending sliceIndex-1 order.
func LoadRoot(path string, weightsFloatType, bufferFloatType quant.DType, nThreads int, workerConns []net.Conn) (*transformer.Transformer, *transport.SocketPool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: stat %s: %w", path, err)
	}

	nSlices := len(workerConns) + 1
	spec, headerSize, err := modelspec.ReadHeader(f, weightsFloatType, bufferFloatType, nSlices)
	if err != nil {
		return nil, nil, err
	}
	spec.FileSize = fi.Size()

	sockets := make([]*transport.Socket, len(workerConns))
	for i, c := range workerConns {
		s, err := transport.NewSocket(c)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: wrap worker %d conn: %w", i, err)
		}
		sockets[i] = s
	}
	pool := transport.NewSocketPool(sockets)

	for i, s := range sockets {
		sliceIndex := uint8(i + 1)
		if err := writeHandshake(s, sliceIndex, spec); err != nil {
			return nil, nil, fmt.Errorf("bootstrap: handshake with worker %d: %w", i, err)
		}
	}

	fr := &fileReader{r: bufio.NewReaderSize(f, 1<<20)}
	t, err := buildTransformer(spec, 0)
	if err != nil {
		return nil, nil, err
	}

	if err := loadRootTensors(fr, spec, t, pool, nThreads); err != nil {
		return nil, nil, err
	}

	wantRead := spec.FileSize - headerSize
	if fr.read != wantRead {
		return nil, nil, &dllamaerr.CorruptWeightsFileError{Reason: fmt.Sprintf("read %d weight bytes, expected %d (fileSize=%d headerSize=%d)", fr.read, wantRead, spec.FileSize, headerSize)}
	}

	return t, pool, nil
}

// LoadWorker accepts one bootstrap connection, reads its sliceIndex and
// ModelSpec, and sizes this node's own projection slices without ever
// touching the model file — weight bytes for every layer arrive over the
// same socket immediately after, in the same canonical order LoadRoot
// sends them (original_source/src/transformer.cpp Transformer::loadSlice).
func LoadWorker(conn net.Conn) (*transformer.Transformer, *transport.Socket, error) {
	sock, err := transport.NewSocket(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: wrap conn: %w", err)
	}
	sliceIndex, spec, err := readHandshake(sock)
	if err != nil {
		return nil, nil, err
	}
	t, err := buildTransformer(spec, int(sliceIndex))
	if err != nil {
		return nil, nil, err
	}
	if err := loadWorkerTensors(sock, spec, t); err != nil {
		return nil, nil, err
	}
	return t, sock, nil
}

// buildTransformer allocates a Transformer's Buffer and per-layer Blocks
// for the given slice, with every ProjectionSlice's MatmulSlice computed
// (so its DSliced/DIndex are ready for loadRootTensors/loadWorkerTensors
// to size reads against) but Bytes left nil until the load functions fill
// them in.
func buildTransformer(spec *modelspec.ModelSpec, sliceIndex int) (*transformer.Transformer, error) {
	dim, kvDim, hiddenDim := spec.Dim, spec.KvDim(), spec.HiddenDim
	effHiddenDim := hiddenDim
	if spec.IsMoE() {
		effHiddenDim = hiddenDim * spec.NActiveExperts
	}

	buf, err := transformer.NewBuffer(dim, kvDim, effHiddenDim, spec.NSlices, spec.BufferFloatType)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	t := &transformer.Transformer{
		Spec:       spec,
		Buffer:     buf,
		SliceIndex: sliceIndex,
	}

	if sliceIndex == 0 {
		t.TokenEmbeddingTable = make([]float32, spec.VocabSize*dim)
		t.RmsFinal = make([]float32, dim)
		t.X = make([]float32, dim)
		t.Logits = make([]float32, spec.VocabSize)
		wclsBytes, err := quant.RowBytes(spec.WeightsFloatType, spec.VocabSize*dim)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: sizing wcls: %w", err)
		}
		t.Wcls = make([]byte, wclsBytes)
	}

	uniform := slicing.UniformWeights(spec.NSlices)
	newSlice := func(n, d int) (*slicing.MatmulSlice, error) {
		return slicing.NewMatmulSlice(spec.WeightsFloatType, spec.NSlices, n, d, uniform)
	}

	t.Blocks = make([]*transformer.Block, spec.NLayers)
	for i := range t.Blocks {
		b := &transformer.Block{}

		if sliceIndex == 0 {
			b.RmsAtt = make([]float32, dim)
			b.RmsFfn = make([]float32, dim)
			if spec.ArchType == modelspec.GROK1 {
				b.RmsMoe = make([]float32, dim)
				b.RmsFfn2 = make([]float32, dim)
			}
			b.KeyCache = make([]float32, spec.SeqLen*kvDim)
			b.ValueCache = make([]float32, spec.SeqLen*kvDim)
			b.Att = make([]float32, spec.NHeads*spec.SeqLen)
		}

		qSlice, err := newSlice(dim, dim)
		if err != nil {
			return nil, err
		}
		kSlice, err := newSlice(dim, kvDim)
		if err != nil {
			return nil, err
		}
		vSlice, err := newSlice(dim, kvDim)
		if err != nil {
			return nil, err
		}
		woSlice, err := newSlice(dim, dim)
		if err != nil {
			return nil, err
		}
		b.Q = transformer.ProjectionSlice{Slice: qSlice}
		b.K = transformer.ProjectionSlice{Slice: kSlice}
		b.V = transformer.ProjectionSlice{Slice: vSlice}
		b.Wo = transformer.ProjectionSlice{Slice: woSlice}

		hb2Len := effHiddenDim / spec.NSlices
		b.Hb2 = make([]float32, hb2Len)

		if spec.IsMoE() {
			routerSlice, err := slicing.NewMatmulSlice(spec.WeightsFloatType, 1, dim, spec.NExperts, []int{1})
			if err != nil {
				return nil, err
			}
			b.Router = transformer.ProjectionSlice{Slice: routerSlice}

			upGateSlice, err := newSlice(dim, hiddenDim)
			if err != nil {
				return nil, err
			}
			downSlice, err := newSlice(hiddenDim, dim)
			if err != nil {
				return nil, err
			}
			b.Experts = make([]transformer.MoeExpertSlice, spec.NExperts)
			for e := range b.Experts {
				b.Experts[e] = transformer.MoeExpertSlice{
					Up:   transformer.ProjectionSlice{Slice: upGateSlice},
					Gate: transformer.ProjectionSlice{Slice: upGateSlice},
					Down: transformer.ProjectionSlice{Slice: downSlice},
				}
			}
			xb2Len := dim / spec.NSlices
			b.MoeAcc = make([]float32, xb2Len)
			b.MoeScratch = make([]float32, xb2Len)
		} else {
			w1Slice, err := newSlice(dim, hiddenDim)
			if err != nil {
				return nil, err
			}
			w2Slice, err := newSlice(hiddenDim, dim)
			if err != nil {
				return nil, err
			}
			w3Slice, err := newSlice(dim, hiddenDim)
			if err != nil {
				return nil, err
			}
			b.W1 = transformer.ProjectionSlice{Slice: w1Slice}
			b.W2 = transformer.ProjectionSlice{Slice: w2Slice}
			b.W3 = transformer.ProjectionSlice{Slice: w3Slice}
		}

		t.Blocks[i] = b
	}

	return t, nil
}

// splitAndStream reads this tensor's full weight matrix (dim n input x
// full output d) from fr, then for every node writes that node's
// output-row slice: root keeps its own slice's bytes in dst, and every
// worker's slice is written to its socket. Mirrors
// loadSlicedMatmulWeights with ALLOC_WEIGHTS semantics, minus the
// "root-last" temp-buffer trick the reference needs only because it
// writes slices in place over the same memory it read from.
func splitAndStream(fr *fileReader, slice *slicing.MatmulSlice, dst []byte, pool *transport.SocketPool) error {
	totalBytes, err := quant.RowBytes(slice.WeightType, slice.N*slice.D)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	whole, err := fr.readTensor(totalBytes)
	if err != nil {
		return err
	}

	for s := 0; s < slice.NSlices; s++ {
		n, err := slice.SliceBytes(s)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if s == 0 {
			if _, err := slice.SplitWeights(0, whole, dst); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			continue
		}
		piece := make([]byte, n)
		if _, err := slice.SplitWeights(s, whole, piece); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if err := pool.Write(loadWhere, s-1, piece); err != nil {
			return fmt.Errorf("bootstrap: stream slice %d to worker: %w", s, err)
		}
	}
	return nil
}

func decodeFloats(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4 : i*4+4]))
	}
}

// loadRootTensors streams every tensor in the file's canonical order
// (original_source/src/transformer.cpp Transformer::loadRoot): embedding
// table, then per-layer Q/K/V/Wo, MoE router+experts or dense W1/W2/W3,
// RMS factors, and finally the post-block RmsFinal/Wcls. The router is
// additionally replicated to every worker (see DESIGN.md): the reference
// never sends it because it never runs MoE inference on workers, but our
// routeExperts call needs it on every node to avoid a new wire step.
func loadRootTensors(fr *fileReader, spec *modelspec.ModelSpec, t *transformer.Transformer, pool *transport.SocketPool, nThreads int) error {
	embedBytes, err := fr.readTensor(spec.VocabSize*spec.Dim*4)
	if err != nil {
		return err
	}
	decodeFloats(t.TokenEmbeddingTable, embedBytes)

	for i, b := range t.Blocks {
		if err := splitAndStream(fr, b.Q.Slice, allocProjection(&b.Q), pool); err != nil {
			return fmt.Errorf("bootstrap: layer %d Q: %w", i, err)
		}
		if err := splitAndStream(fr, b.K.Slice, allocProjection(&b.K), pool); err != nil {
			return fmt.Errorf("bootstrap: layer %d K: %w", i, err)
		}
		if err := splitAndStream(fr, b.V.Slice, allocProjection(&b.V), pool); err != nil {
			return fmt.Errorf("bootstrap: layer %d V: %w", i, err)
		}
		if err := splitAndStream(fr, b.Wo.Slice, allocProjection(&b.Wo), pool); err != nil {
			return fmt.Errorf("bootstrap: layer %d Wo: %w", i, err)
		}

		if spec.IsMoE() {
			routerLen, err := b.Router.Slice.SliceBytes(0)
			if err != nil {
				return fmt.Errorf("bootstrap: layer %d router: %w", i, err)
			}
			routerBytes, err := fr.readTensor(routerLen)
			if err != nil {
				return fmt.Errorf("bootstrap: layer %d router: %w", i, err)
			}
			b.Router.Bytes = routerBytes
			if err := pool.ParallelWrite(loadWhere, routerBytes, nThreads); err != nil {
				return fmt.Errorf("bootstrap: layer %d router broadcast: %w", i, err)
			}
			for e := range b.Experts {
				up, gate, down := &b.Experts[e].Up, &b.Experts[e].Gate, &b.Experts[e].Down
				if err := splitAndStream(fr, up.Slice, allocProjection(up), pool); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d up: %w", i, e, err)
				}
				if err := splitAndStream(fr, gate.Slice, allocProjection(gate), pool); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d gate: %w", i, e, err)
				}
				if err := splitAndStream(fr, down.Slice, allocProjection(down), pool); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d down: %w", i, e, err)
				}
			}
		} else {
			if err := splitAndStream(fr, b.W1.Slice, allocProjection(&b.W1), pool); err != nil {
				return fmt.Errorf("bootstrap: layer %d W1: %w", i, err)
			}
			if err := splitAndStream(fr, b.W2.Slice, allocProjection(&b.W2), pool); err != nil {
				return fmt.Errorf("bootstrap: layer %d W2: %w", i, err)
			}
			if err := splitAndStream(fr, b.W3.Slice, allocProjection(&b.W3), pool); err != nil {
				return fmt.Errorf("bootstrap: layer %d W3: %w", i, err)
			}
		}

		rmsAttBytes, err := fr.readTensor(spec.Dim*4)
		if err != nil {
			return fmt.Errorf("bootstrap: layer %d rmsAtt: %w", i, err)
		}
		decodeFloats(b.RmsAtt, rmsAttBytes)

		rmsFfnBytes, err := fr.readTensor(spec.Dim*4)
		if err != nil {
			return fmt.Errorf("bootstrap: layer %d rmsFfn: %w", i, err)
		}
		decodeFloats(b.RmsFfn, rmsFfnBytes)

		if spec.ArchType == modelspec.GROK1 {
			rmsMoeBytes, err := fr.readTensor(spec.Dim*4)
			if err != nil {
				return fmt.Errorf("bootstrap: layer %d rmsMoe: %w", i, err)
			}
			decodeFloats(b.RmsMoe, rmsMoeBytes)

			rmsFfn2Bytes, err := fr.readTensor(spec.Dim*4)
			if err != nil {
				return fmt.Errorf("bootstrap: layer %d rmsFfn2: %w", i, err)
			}
			decodeFloats(b.RmsFfn2, rmsFfn2Bytes)
		}
	}

	rmsFinalBytes, err := fr.readTensor(spec.Dim*4)
	if err != nil {
		return fmt.Errorf("bootstrap: rmsFinal: %w", err)
	}
	decodeFloats(t.RmsFinal, rmsFinalBytes)

	wclsBytes, err := fr.readTensor(len(t.Wcls))
	if err != nil {
		return fmt.Errorf("bootstrap: wcls: %w", err)
	}
	copy(t.Wcls, wclsBytes)

	return nil
}

// allocProjection sizes p's Bytes to this node's own slice (slice index
// 0, since only the root-side loadRootTensors calls this) and returns it
// for splitAndStream to fill.
func allocProjection(p *transformer.ProjectionSlice) []byte {
	n, _ := p.Slice.SliceBytes(0)
	p.Bytes = make([]byte, n)
	return p.Bytes
}

// loadWorkerTensors is the worker-side counterpart of loadRootTensors: it
// never touches the model file, only the socket, reading exactly the
// bytes LoadRoot sends for this worker's sliceIndex in the same
// canonical order (original_source/src/transformer.cpp
// Transformer::loadSlice).
func loadWorkerTensors(sock *transport.Socket, spec *modelspec.ModelSpec, t *transformer.Transformer) error {
	readSlice := func(p *transformer.ProjectionSlice) error {
		n, err := p.Slice.SliceBytes(t.SliceIndex)
		if err != nil {
			return err
		}
		p.Bytes = make([]byte, n)
		return sock.Read(loadWhere, p.Bytes)
	}

	for i, b := range t.Blocks {
		if err := readSlice(&b.Q); err != nil {
			return fmt.Errorf("bootstrap: layer %d Q: %w", i, err)
		}
		if err := readSlice(&b.K); err != nil {
			return fmt.Errorf("bootstrap: layer %d K: %w", i, err)
		}
		if err := readSlice(&b.V); err != nil {
			return fmt.Errorf("bootstrap: layer %d V: %w", i, err)
		}
		if err := readSlice(&b.Wo); err != nil {
			return fmt.Errorf("bootstrap: layer %d Wo: %w", i, err)
		}

		if spec.IsMoE() {
			routerLen, err := b.Router.Slice.SliceBytes(0)
			if err != nil {
				return fmt.Errorf("bootstrap: layer %d router: %w", i, err)
			}
			routerBytes := make([]byte, routerLen)
			if err := sock.Read(loadWhere, routerBytes); err != nil {
				return fmt.Errorf("bootstrap: layer %d router: %w", i, err)
			}
			b.Router.Bytes = routerBytes
			for e := range b.Experts {
				if err := readSlice(&b.Experts[e].Up); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d up: %w", i, e, err)
				}
				if err := readSlice(&b.Experts[e].Gate); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d gate: %w", i, e, err)
				}
				if err := readSlice(&b.Experts[e].Down); err != nil {
					return fmt.Errorf("bootstrap: layer %d expert %d down: %w", i, e, err)
				}
			}
		} else {
			if err := readSlice(&b.W1); err != nil {
				return fmt.Errorf("bootstrap: layer %d W1: %w", i, err)
			}
			if err := readSlice(&b.W2); err != nil {
				return fmt.Errorf("bootstrap: layer %d W2: %w", i, err)
			}
			if err := readSlice(&b.W3); err != nil {
				return fmt.Errorf("bootstrap: layer %d W3: %w", i, err)
			}
		}
	}
	return nil
}
