package ledger

import "errors"

var (
	// ErrLengthMismatch fails construction when the asset and feed lists
	// differ in length.
	ErrLengthMismatch = errors.New("collateral asset and price feed lists differ in length")

	// ErrUnsupportedAsset is a registry lookup miss.
	ErrUnsupportedAsset = errors.New("unsupported collateral asset")
)

// Registry is the immutable collateral-asset registry: an ordered list of
// supported asset identifiers, each mapped 1:1 to a price feed identifier.
// Fixed at construction; there is no runtime registration path.
type Registry struct {
	assets []string
	feeds  map[string]string
}

func NewRegistry(assets, feeds []string) (*Registry, error) {
	if len(assets) != len(feeds) {
		return nil, ErrLengthMismatch
	}

	r := &Registry{
		assets: make([]string, len(assets)),
		feeds:  make(map[string]string, len(assets)),
	}
	copy(r.assets, assets)
	for i, asset := range assets {
		r.feeds[asset] = feeds[i]
	}
	return r, nil
}

// Assets returns the registered assets in registration order.
func (r *Registry) Assets() []string {
	out := make([]string, len(r.assets))
	copy(out, r.assets)
	return out
}

// FeedID returns the price feed identifier for an asset.
func (r *Registry) FeedID(asset string) (string, bool) {
	id, ok := r.feeds[asset]
	return id, ok
}

// Supported reports whether an asset is registered.
func (r *Registry) Supported(asset string) bool {
	_, ok := r.feeds[asset]
	return ok
}
