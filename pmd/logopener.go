package pmd

import (
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/mdclog"
)

// defaultLogOpener is the production LogOpener, backed by package
// mdclog. Device geometry (log1/log2) is accepted for interface parity
// with a real paired-mlog open but otherwise unused: mdclog's in-process
// rendering has no physical extent to seek to.
type defaultLogOpener struct {
	capBytes int
}

func NewDefaultLogOpener(capBytes int) LogOpener {
	return &defaultLogOpener{capBytes: capBytes}
}

func (o *defaultLogOpener) Open(ecio.LayoutDesc, ecio.LayoutDesc) (PairedLog, error) {
	return mdclog.Open(o.capBytes), nil
}

func (o *defaultLogOpener) OpenExisting(_ ecio.LayoutDesc, _ ecio.LayoutDesc, activeContents []byte) (PairedLog, error) {
	return mdclog.OpenExisting(o.capBytes, activeContents), nil
}
