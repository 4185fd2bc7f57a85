/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fraiseql_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/fraiseql-sub014"
)

func TestConservativeEstimatorDefault(t *testing.T) {
	var e fraiseql.ConservativeEstimator
	require.Equal(t, 524288, e.EstimateBytes(256))
	require.Equal(t, "conservative_2kb", e.Name())
}

func TestFixedEstimatorCustom(t *testing.T) {
	e := fraiseql.FixedEstimator{BytesPerItem: 100}
	require.Equal(t, 1000, e.EstimateBytes(10))
	require.Equal(t, "fixed_custom", e.Name())
}

func TestFixedEstimatorOverflowSaturates(t *testing.T) {
	e := fraiseql.FixedEstimator{BytesPerItem: math.MaxInt}
	require.Equal(t, math.MaxInt, e.EstimateBytes(2))
}

func TestEstimatorZeroItems(t *testing.T) {
	var e fraiseql.ConservativeEstimator
	require.Equal(t, 0, e.EstimateBytes(0))
}
