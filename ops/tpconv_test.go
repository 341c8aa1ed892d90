package ops

import (
	"sync"
	"testing"

	"github.com/gomlx/dtensor"
	"github.com/gomlx/dtensor/comms"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks runs fn once per rank of a fresh world, each on its own goroutine (SPMD),
// and fails the test on the first error.
func runRanks(t *testing.T, size int, fn func(g comms.Group) error) {
	t.Helper()
	groups, err := comms.NewWorld(size)
	require.NoError(t, err)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(groups[rank])
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// fill returns a tensor with deterministic values in [-0.5, 0.5).
func fill(dims ...int) *tensor.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = float32((i*13)%17)/17.0 - 0.5
	}
	return must(tensor.FromFlat(flat, dims...))
}

func TestRequiresDataExchange(t *testing.T) {
	assert.True(t, RequiresDataExchange([2]int{0, 1}))
	assert.False(t, RequiresDataExchange([2]int{1, 0}))
}

func TestCheckTPConvSupported(t *testing.T) {
	one := [2]int{1, 1}
	require.NoError(t, checkTPConvSupported(8, 3, one, one, one))
	var unsupported *dtensor.UnsupportedConvError

	err := checkTPConvSupported(8, 3, one, one, [2]int{1, 2})
	require.ErrorAs(t, err, &unsupported)
	err = checkTPConvSupported(8, 3, [2]int{1, 2}, one, one)
	require.ErrorAs(t, err, &unsupported)
	err = checkTPConvSupported(1, 5, one, one, one)
	require.ErrorAs(t, err, &unsupported)
	// Without width padding, width stride must equal the kernel width.
	err = checkTPConvSupported(8, 3, [2]int{1, 3}, [2]int{1, 0}, one)
	require.NoError(t, err)
	err = checkTPConvSupported(8, 3, [2]int{1, 2}, [2]int{1, 0}, one)
	require.ErrorAs(t, err, &unsupported)
}

// haloConv runs the tensor-parallel convolution against the single-device oracle.
func haloConvTest(t *testing.T, size int) {
	t.Helper()
	const n, cIn, cOut, h, w = 1, 2, 3, 4, 16
	input := fill(n, cIn, h, w)
	weight := fill(cOut, cIn, 3, 3)
	bias := fill(cOut)
	stride, padding, dilation := []int{1, 1}, []int{1, 1}, []int{1, 1}

	oracle := must(tensor.Conv2D(input, weight, bias,
		[2]int{1, 1}, [2]int{1, 1}, [2]int{1, 1}, 1))

	m := must(mesh.NewDeviceMesh("mesh", []int{size}, []string{"width"}))
	inputSpec := specOn(t, m, mesh.Shard(3), n, cIn, h, w)
	weightSpec := specOn(t, m, mesh.Replicate(), cOut, cIn, 3, 3)
	biasSpec := specOn(t, m, mesh.Replicate(), cOut)
	d := InstallTPConv(dtensor.NewDispatcher(nil))

	runRanks(t, size, func(g comms.Group) error {
		inDT, err := dtensor.Distribute(input, inputSpec, g)
		if err != nil {
			return err
		}
		wDT, err := dtensor.Distribute(weight, weightSpec, g)
		if err != nil {
			return err
		}
		bDT, err := dtensor.Distribute(bias, biasSpec, g)
		if err != nil {
			return err
		}
		result, err := d.Dispatch(Convolution,
			[]any{inDT, wDT, bDT, stride, padding, dilation, false, []int{0, 0}, 1}, nil)
		if err != nil {
			return err
		}
		outDT := result.(*dtensor.DTensor)
		assert.Equal(t, mesh.Shard(3), outDT.Spec().Placement(0))
		assert.Equal(t, w/size, outDT.LocalTensor().Dim(3))

		full, err := outDT.FullTensor()
		if err != nil {
			return err
		}
		assert.True(t, full.AllClose(oracle, 1e-5),
			"rank %d: halo convolution diverges from the single-device result", g.Rank())
		return nil
	})
}

func TestTPConvolution(t *testing.T) {
	t.Run("world 2", func(t *testing.T) { haloConvTest(t, 2) })
	t.Run("world 4", func(t *testing.T) { haloConvTest(t, 4) })
}

func TestTPConvolution_WorldOfOne(t *testing.T) {
	const n, cIn, cOut, h, w = 1, 1, 2, 3, 8
	input := fill(n, cIn, h, w)
	weight := fill(cOut, cIn, 3, 3)
	oracle := must(tensor.Conv2D(input, weight, nil, [2]int{1, 1}, [2]int{1, 1}, [2]int{1, 1}, 1))

	m := must(mesh.NewDeviceMesh("mesh", []int{1}, []string{"width"}))
	d := InstallTPConv(dtensor.NewDispatcher(nil))
	runRanks(t, 1, func(g comms.Group) error {
		inDT := must(dtensor.Distribute(input, specOn(t, m, mesh.Shard(3), n, cIn, h, w), g))
		wDT := must(dtensor.Distribute(weight, specOn(t, m, mesh.Replicate(), cOut, cIn, 3, 3), g))
		result, err := d.Dispatch(Convolution,
			[]any{inDT, wDT, nil, []int{1, 1}, []int{1, 1}, []int{1, 1}, false, []int{0, 0}, 1}, nil)
		if err != nil {
			return err
		}
		// A single rank takes the plain local path and matches bit for bit.
		assert.True(t, result.(*dtensor.DTensor).LocalTensor().Equal(oracle))
		return nil
	})
}

func TestTPConvolution_NoExchange(t *testing.T) {
	// Zero width padding with stride == kernel width: windows never straddle shards.
	const n, cIn, cOut, h, w = 1, 1, 1, 4, 16
	input := fill(n, cIn, h, w)
	weight := fill(cOut, cIn, 1, 2)
	oracle := must(tensor.Conv2D(input, weight, nil, [2]int{1, 2}, [2]int{0, 0}, [2]int{1, 1}, 1))

	const size = 2
	m := must(mesh.NewDeviceMesh("mesh", []int{size}, []string{"width"}))
	d := InstallTPConv(dtensor.NewDispatcher(nil))
	runRanks(t, size, func(g comms.Group) error {
		inDT := must(dtensor.Distribute(input, specOn(t, m, mesh.Shard(3), n, cIn, h, w), g))
		wDT := must(dtensor.Distribute(weight, specOn(t, m, mesh.Replicate(), cOut, cIn, 1, 2), g))
		result, err := d.Dispatch(Convolution,
			[]any{inDT, wDT, nil, []int{1, 2}, []int{0, 0}, []int{1, 1}, false, []int{0, 0}, 1}, nil)
		if err != nil {
			return err
		}
		full, err := result.(*dtensor.DTensor).FullTensor()
		if err != nil {
			return err
		}
		assert.True(t, full.AllClose(oracle, 1e-6))
		return nil
	})
}

func TestTPConvolution_RejectsDilation(t *testing.T) {
	const size = 2
	const n, cIn, cOut, h, w = 1, 1, 1, 2, 8
	input := fill(n, cIn, h, w)
	weight := fill(cOut, cIn, 3, 3)
	m := must(mesh.NewDeviceMesh("mesh", []int{size}, []string{"width"}))
	d := InstallTPConv(dtensor.NewDispatcher(nil))

	runRanks(t, size, func(g comms.Group) error {
		inDT := must(dtensor.Distribute(input, specOn(t, m, mesh.Shard(3), n, cIn, h, w), g))
		wDT := must(dtensor.Distribute(weight, specOn(t, m, mesh.Replicate(), cOut, cIn, 3, 3), g))
		_, err := d.Dispatch(Convolution,
			[]any{inDT, wDT, nil, []int{1, 1}, []int{1, 1}, []int{1, 2}, false, []int{0, 0}, 1}, nil)
		var unsupported *dtensor.UnsupportedConvError
		assert.ErrorAs(t, err, &unsupported)
		return nil
	})
}

func BenchmarkTPConvolution(b *testing.B) {
	const size = 2
	const n, cIn, cOut, h, w = 1, 2, 3, 4, 32
	input := fill(n, cIn, h, w)
	weight := fill(cOut, cIn, 3, 3)

	m := must(mesh.NewDeviceMesh("mesh", []int{size}, []string{"width"}))
	benchSpec := func(p mesh.Placement, dims ...int) *mesh.Spec {
		meta := shapes.MakeTensorMeta(shapes.Make(dtypes.F32, dims...))
		return must(mesh.NewSpec(m, []mesh.Placement{p}, meta))
	}
	inputSpec := benchSpec(mesh.Shard(3), n, cIn, h, w)
	weightSpec := benchSpec(mesh.Replicate(), cOut, cIn, 3, 3)

	groups := must(comms.NewWorld(size))
	d := InstallTPConv(dtensor.NewDispatcher(nil))
	ins := make([]*dtensor.DTensor, size)
	ws := make([]*dtensor.DTensor, size)
	for rank := 0; rank < size; rank++ {
		ins[rank] = must(dtensor.Distribute(input, inputSpec, groups[rank]))
		ws[rank] = must(dtensor.Distribute(weight, weightSpec, groups[rank]))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		for rank := 0; rank < size; rank++ {
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				_, err := d.Dispatch(Convolution,
					[]any{ins[rank], ws[rank], nil, []int{1, 1}, []int{1, 1}, []int{1, 1},
						false, []int{0, 0}, 1}, nil)
				if err != nil {
					b.Error(err)
				}
			}(rank)
		}
		wg.Wait()
	}
}

func TestTPConvolutionBackward(t *testing.T) {
	for _, size := range []int{2, 4} {
		size := size
		t.Run(map[int]string{2: "world 2", 4: "world 4"}[size], func(t *testing.T) {
			const n, cIn, cOut, h, w = 1, 2, 3, 4, 16
			input := fill(n, cIn, h, w)
			weight := fill(cOut, cIn, 3, 3)
			gradOut := fill(n, cOut, h, w)
			mask := [3]bool{true, true, true}

			wantGradIn, wantGradW, wantGradB, err := tensor.Conv2DBackward(
				gradOut, input, weight, [2]int{1, 1}, [2]int{1, 1}, [2]int{1, 1}, 1, mask)
			require.NoError(t, err)

			m := must(mesh.NewDeviceMesh("mesh", []int{size}, []string{"width"}))
			inputSpec := specOn(t, m, mesh.Shard(3), n, cIn, h, w)
			gradOutSpec := specOn(t, m, mesh.Shard(3), n, cOut, h, w)
			weightSpec := specOn(t, m, mesh.Replicate(), cOut, cIn, 3, 3)
			d := InstallTPConv(dtensor.NewDispatcher(nil))

			runRanks(t, size, func(g comms.Group) error {
				gradOutDT, err := dtensor.Distribute(gradOut, gradOutSpec, g)
				if err != nil {
					return err
				}
				inDT, err := dtensor.Distribute(input, inputSpec, g)
				if err != nil {
					return err
				}
				wDT, err := dtensor.Distribute(weight, weightSpec, g)
				if err != nil {
					return err
				}
				result, err := d.Dispatch(ConvolutionBackward,
					[]any{gradOutDT, inDT, wDT, []int{cOut}, []int{1, 1}, []int{1, 1}, []int{1, 1},
						false, []int{0, 0}, 1, mask}, nil)
				if err != nil {
					return err
				}
				grads := result.([]*dtensor.DTensor)
				if len(grads) != 3 {
					return errors.Errorf("expected 3 gradients, got %d", len(grads))
				}

				gradIn, err := grads[0].FullTensor()
				if err != nil {
					return err
				}
				assert.True(t, gradIn.AllClose(wantGradIn, 1e-4), "rank %d gradInput", g.Rank())

				// Weight and bias gradients arrive as pending sums.
				assert.Equal(t, []int{0}, grads[1].Spec().Sums())
				gradW, err := grads[1].FullTensor()
				if err != nil {
					return err
				}
				assert.True(t, gradW.AllClose(wantGradW, 1e-3), "rank %d gradWeight", g.Rank())

				gradB, err := grads[2].FullTensor()
				if err != nil {
					return err
				}
				assert.True(t, gradB.AllClose(wantGradB, 1e-3), "rank %d gradBias", g.Rank())
				return nil
			})
		})
	}
}
