/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tokenizer

import "fmt"

// ErrVocabBootstrap is fatal (§7 ConfigError): the process cannot start
// without a vocabulary and the named encoding could not be loaded by
// the offline loader (nothing is fetched over the network).
type ErrVocabBootstrap struct {
	Cause error
}

func (e ErrVocabBootstrap) Error() string {
	return fmt.Sprintf("tokenizer: failed to load vocabulary: %v", e.Cause)
}

// ErrUnknownSpecialToken is returned when a chat template or generation
// config names a special token string that is absent from the
// vocabulary; the caller treats this as a fatal ConfigError (§4.1).
type ErrUnknownSpecialToken struct {
	Name string
}

func (e ErrUnknownSpecialToken) Error() string {
	return fmt.Sprintf("tokenizer: special token %q not found in vocabulary", e.Name)
}
