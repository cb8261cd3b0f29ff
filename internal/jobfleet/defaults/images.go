package defaults

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
)

// ApplyImageDefaults resolves every image key known to the request, the command or the system defaults. A requested
// image with both a name and a tag is used verbatim. Otherwise each missing field is taken from the command's image
// for that key, then from the system default. Arguments are never nil.
func ApplyImageDefaults(
	requested map[string]catalog.Image,
	command *catalog.Command,
	system map[string]catalog.Image,
) map[string]catalog.Image {
	var fromCommand map[string]catalog.Image
	if command != nil {
		fromCommand = command.Images
	}
	keys := make(map[string]bool)
	for _, source := range []map[string]catalog.Image{requested, fromCommand, system} {
		for _, key := range maps.Keys(source) {
			keys[key] = true
		}
	}

	result := make(map[string]catalog.Image, len(keys))
	for key := range keys {
		image, ok := requested[key]
		if !ok || !image.IsComplete() {
			image = layer(image, fromCommand[key], system[key])
		}
		image = image.DeepCopy()
		if image.Arguments == nil {
			image.Arguments = []string{}
		}
		result[key] = image
	}
	return result
}

func layer(images ...catalog.Image) catalog.Image {
	var result catalog.Image
	for _, image := range images {
		if result.Name == "" {
			result.Name = image.Name
		}
		if result.Tag == "" {
			result.Tag = image.Tag
		}
		if len(result.Arguments) == 0 {
			result.Arguments = slices.Clone(image.Arguments)
		}
	}
	return result
}
