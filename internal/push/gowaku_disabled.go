//go:build !real_waku

package push

func newGoWakuBackend() pushBackend {
	return nil
}
