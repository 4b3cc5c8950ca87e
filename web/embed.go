package webassets

import _ "embed"

// SignedInMessage is the plain-text page shown in the browser after the callback lands.
//
//go:embed signed_in.txt
var SignedInMessage string
