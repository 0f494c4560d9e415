// Package stealth masks the fingerprint surface automation detectors
// probe. The script is registered to run at document start on every
// future navigation, before any page script can observe the unpatched
// values.
package stealth

import (
	"context"
	"fmt"
	"strings"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
)

// marker guards against double installation on a page that already has
// the script; reinstalling would perturb canvas noise twice.
const marker = "__ph_stealth_installed"

// Script renders the document-start stealth script for the given seed.
// The seed drives the canvas, WebGL and audio perturbations so the
// fingerprint stays stable within one browser connection but differs
// between connections, like a real user clearing state.
func Script(seed int64) string {
	return strings.ReplaceAll(scriptTemplate, "__SEED__", fmt.Sprintf("%d", seed))
}

// Apply registers the stealth script on the session's target. The
// script self-guards with an installation marker, so applying twice is
// harmless.
func Apply(ctx context.Context, sess *cdp.Session, seed int64) error {
	action := page.AddScriptToEvaluateOnNewDocument(Script(seed)).
		WithRunImmediately(true)
	if _, err := action.Do(cdppkg.WithExecutor(ctx, sess)); err != nil {
		return fmt.Errorf("registering stealth script: %w", err)
	}
	return nil
}

const scriptTemplate = `(() => {
  if (window.` + marker + `) return;
  Object.defineProperty(window, '` + marker + `', { value: true, configurable: false });

  const seed = __SEED__;
  // xorshift64, deterministic per connection.
  let s = BigInt(seed) || 1n;
  const rand = () => {
    s ^= s << 13n; s &= 0xffffffffffffffffn;
    s ^= s >> 7n;
    s ^= s << 17n; s &= 0xffffffffffffffffn;
    return Number(s % 1000n) / 1000;
  };

  const patch = (obj, prop, value) => {
    try {
      Object.defineProperty(obj, prop, { get: () => value, configurable: true });
    } catch (e) { /* sealed in this context */ }
  };

  // The single strongest signal.
  patch(Navigator.prototype, 'webdriver', undefined);

  // Headless and automation profiles ship with empty plugin lists.
  const mkPlugin = (name, filename, desc) => {
    const p = Object.create(Plugin.prototype);
    patch(p, 'name', name);
    patch(p, 'filename', filename);
    patch(p, 'description', desc);
    patch(p, 'length', 1);
    return p;
  };
  const plugins = [
    mkPlugin('PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
    mkPlugin('Chrome PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
    mkPlugin('Chromium PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
  ];
  const pluginArray = Object.create(PluginArray.prototype);
  plugins.forEach((p, i) => { pluginArray[i] = p; });
  patch(pluginArray, 'length', plugins.length);
  pluginArray.item = (i) => plugins[i] || null;
  pluginArray.namedItem = (n) => plugins.find((p) => p.name === n) || null;
  patch(Navigator.prototype, 'plugins', pluginArray);

  patch(Navigator.prototype, 'languages', Object.freeze(['en-US', 'en']));
  patch(Navigator.prototype, 'hardwareConcurrency', 8);

  // Chrome resolves notification permission through a dedicated path;
  // the generic query throwing or answering 'denied' in a non-secure
  // automation context is a tell.
  if (navigator.permissions && navigator.permissions.query) {
    const origQuery = navigator.permissions.query.bind(navigator.permissions);
    navigator.permissions.query = (desc) => {
      if (desc && desc.name === 'notifications') {
        return Promise.resolve({ state: Notification.permission, onchange: null });
      }
      return origQuery(desc);
    };
  }

  // Canvas: flip the low bit of a seeded subset of pixels. Invisible,
  // but defeats cross-site canvas hashing.
  const origToDataURL = HTMLCanvasElement.prototype.toDataURL;
  const origGetImageData = CanvasRenderingContext2D.prototype.getImageData;
  const perturb = (data) => {
    const step = 997;
    const offset = Math.floor(rand() * step);
    for (let i = offset; i < data.length; i += step) {
      data[i] = data[i] ^ 1;
    }
  };
  CanvasRenderingContext2D.prototype.getImageData = function (...args) {
    const image = origGetImageData.apply(this, args);
    perturb(image.data);
    return image;
  };
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    const ctx = this.getContext('2d');
    if (ctx && this.width > 0 && this.height > 0) {
      try {
        const image = origGetImageData.call(ctx, 0, 0, this.width, this.height);
        perturb(image.data);
        ctx.putImageData(image, 0, 0);
      } catch (e) { /* tainted canvas */ }
    }
    return origToDataURL.apply(this, args);
  };

  // WebGL: report common consumer hardware instead of SwiftShader.
  const patchGL = (proto) => {
    if (!proto) return;
    const orig = proto.getParameter;
    proto.getParameter = function (param) {
      // UNMASKED_VENDOR_WEBGL / UNMASKED_RENDERER_WEBGL
      if (param === 37445) return 'Google Inc. (Intel)';
      if (param === 37446) return 'ANGLE (Intel, Intel(R) UHD Graphics 630, OpenGL 4.6)';
      return orig.call(this, param);
    };
  };
  patchGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patchGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  // Audio: sub-audible seeded noise on analyser output.
  if (window.AnalyserNode) {
    const origFloat = AnalyserNode.prototype.getFloatFrequencyData;
    AnalyserNode.prototype.getFloatFrequencyData = function (array) {
      origFloat.call(this, array);
      for (let i = 0; i < array.length; i += 100) {
        array[i] += (rand() - 0.5) * 1e-4;
      }
    };
  }
})();`
