// Package imagecache keeps sandbox images available on the container engine.
//
// The Registry checks the engine before every use and pulls missing images,
// sharing one pull between concurrent callers. Images confirmed present are
// recorded in a small YAML file so operators can see what the service has
// warmed up:
//
//	images:
//	  - name: python:3.10-alpine
//	    verified_at: 2024-05-01T10:00:00Z
package imagecache
