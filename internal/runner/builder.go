package runner

import (
	"context"

	"github.com/sirupsen/logrus"

	"tycho/internal/stream"
	"tycho/pkg/errs"
)

// StreamOpener is the narrow surface Builder needs from C1; satisfied
// by *stream.Client.
type StreamOpener interface {
	Open(ctx context.Context, cfg stream.OpenConfig) (<-chan stream.Item, error)
}

// Builder constructs a Runner's upstream session from the extractor's
// own durable cursor, per spec.md §4.5's startup algorithm.
type Builder struct {
	stream      StreamOpener
	endpoint    string
	token       string
	packageFile string
	moduleName  string
	startBlock  int64
	endBlock    int64
	log         *logrus.Entry
}

// NewBuilder seeds defaults matching the upstream's production
// endpoint; callers override via the With* methods.
func NewBuilder(packageFile string, opener StreamOpener) *Builder {
	return &Builder{
		stream:      opener,
		endpoint:    "https://mainnet.eth.streamingfast.io:443",
		moduleName:  "map_changes",
		packageFile: packageFile,
	}
}

func (b *Builder) WithEndpoint(v string) *Builder   { b.endpoint = v; return b }
func (b *Builder) WithToken(v string) *Builder      { b.token = v; return b }
func (b *Builder) WithModuleName(v string) *Builder { b.moduleName = v; return b }
func (b *Builder) WithStartBlock(v int64) *Builder  { b.startBlock = v; return b }
func (b *Builder) WithEndBlock(v int64) *Builder    { b.endBlock = v; return b }
func (b *Builder) WithLog(l *logrus.Entry) *Builder { b.log = l; return b }

// Build opens the stream from the extractor's durable cursor and
// returns a Runner ready for Run, plus the Handle callers use to
// Subscribe/Stop it (spec.md §4.5: "returns (join_handle, handle)").
func (b *Builder) Build(ctx context.Context, ex Extractor) (*Runner, Handle, error) {
	items, err := b.stream.Open(ctx, stream.OpenConfig{
		Endpoint:    b.endpoint,
		Token:       b.token,
		PackageFile: b.packageFile,
		ModuleName:  b.moduleName,
		Cursor:      string(ex.Cursor()),
		StartBlock:  b.startBlock,
		EndBlock:    b.endBlock,
	})
	if err != nil {
		return nil, Handle{}, errs.Wrap(errs.Setup, "open upstream stream", err)
	}

	r := New(ex, items, b.log)
	return r, r.Handle(), nil
}
