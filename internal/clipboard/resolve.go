package clipboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
)

// Resolve turns a clipboard update into an object on the tenant at baseURL.
// A known source is used as is; otherwise the value must look like an id
// and is probed.
func Resolve(ctx context.Context, det *detect.Detector, f inpage.Fetcher, u Update, baseURL string) (*object.Value, error) {
	if u.Source != nil {
		return object.Deserialize(det.Registry(), *u.Source)
	}
	value := strings.TrimSpace(u.Value)
	if !detect.LooksLikeID(value) {
		return nil, fmt.Errorf("%w: clipboard does not contain a valid identifier", detect.ErrInvalidID)
	}
	return det.FromID(ctx, f, value, baseURL)
}
