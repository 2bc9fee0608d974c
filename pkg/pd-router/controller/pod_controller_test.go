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

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

func newPod(name, role, ip string, ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "serving",
			Name:      name,
			Labels:    map[string]string{"app": "llm", "pd-role": role},
		},
		Status: corev1.PodStatus{
			PodIP:      ip,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
		},
	}
}

func testDiscoveryConfig() conf.KubernetesDiscovery {
	return conf.KubernetesDiscovery{
		Namespace:       "serving",
		PrefillSelector: "app=llm,pd-role=prefill",
		DecodeSelector:  "app=llm,pd-role=decode",
		Port:            8000,
		KVPort:          9000,
	}
}

func startController(t *testing.T, objects ...*corev1.Pod) (*kubefake.Clientset, datastore.Store) {
	t.Helper()
	client := kubefake.NewSimpleClientset()
	for _, pod := range objects {
		_, err := client.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	factory := NewInformerFactory(client, testDiscoveryConfig())
	store := datastore.New()
	controller, err := NewPodController(factory, store, testDiscoveryConfig(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	factory.Start(ctx.Done())
	go func() {
		_ = controller.Run(ctx, 1)
	}()
	return client, store
}

func TestPodControllerRegistersReadyPods(t *testing.T) {
	_, store := startController(t,
		newPod("prefill-0", "prefill", "10.0.0.1", true),
		newPod("decode-0", "decode", "10.0.0.2", true),
		newPod("decode-1", "decode", "10.0.0.3", false),
		newPod("other", "router", "10.0.0.4", true),
	)

	assert.Eventually(t, func() bool {
		_, p := store.Get(datastore.RolePrefill, "10.0.0.1:8000")
		_, d := store.Get(datastore.RoleDecode, "10.0.0.2:8000")
		return p && d
	}, 5*time.Second, 10*time.Millisecond)

	w, _ := store.Get(datastore.RolePrefill, "10.0.0.1:8000")
	assert.Equal(t, "10.0.0.1:9000", w.KVAddress)
	assert.Equal(t, datastore.SourceKubernetes, w.Source)
	assert.Equal(t, []string{"10.0.0.1:8000", "10.0.0.2:8000"}, store.Addresses())
}

func TestPodControllerFollowsPodLifecycle(t *testing.T) {
	client, store := startController(t, newPod("decode-0", "decode", "10.0.0.2", true))
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		_, ok := store.Get(datastore.RoleDecode, "10.0.0.2:8000")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, err := client.CoreV1().Pods("serving").Update(ctx, newPod("decode-0", "decode", "10.0.0.2", false), metav1.UpdateOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(store.Addresses()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = client.CoreV1().Pods("serving").Update(ctx, newPod("decode-0", "decode", "10.0.0.7", true), metav1.UpdateOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := store.Get(datastore.RoleDecode, "10.0.0.7:8000")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.CoreV1().Pods("serving").Delete(ctx, "decode-0", metav1.DeleteOptions{}))
	assert.Eventually(t, func() bool {
		return len(store.Addresses()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPodControllerLeavesOtherRolesAlone(t *testing.T) {
	client, store := startController(t, newPod("decode-0", "decode", "10.0.0.2", true))
	require.NoError(t, store.Register(datastore.Worker{Address: "10.0.0.2:8000", Role: datastore.RolePrefill, Source: datastore.SourceStatic}))

	assert.Eventually(t, func() bool {
		_, ok := store.Get(datastore.RoleDecode, "10.0.0.2:8000")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.CoreV1().Pods("serving").Delete(context.Background(), "decode-0", metav1.DeleteOptions{}))
	assert.Eventually(t, func() bool {
		return len(store.List(datastore.RoleDecode, false)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	w, ok := store.Get(datastore.RolePrefill, "10.0.0.2:8000")
	require.True(t, ok)
	assert.Equal(t, datastore.SourceStatic, w.Source)
}

func TestNewPodControllerRejectsBadSelector(t *testing.T) {
	factory := informers.NewSharedInformerFactory(kubefake.NewSimpleClientset(), 0)
	config := testDiscoveryConfig()
	config.DecodeSelector = "app in ("
	_, err := NewPodController(factory, datastore.New(), config, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)

	config = testDiscoveryConfig()
	config.PrefillSelector = ""
	_, err = NewPodController(factory, datastore.New(), config, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}
