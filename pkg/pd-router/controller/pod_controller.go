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
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

const maxRetries = 5

// NewKubeClient builds a clientset from a kubeconfig path, or from the
// in-cluster config when the path is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

// NewInformerFactory returns a pod informer factory scoped to the discovery
// namespace.
func NewInformerFactory(client kubernetes.Interface, config conf.KubernetesDiscovery) informers.SharedInformerFactory {
	return informers.NewSharedInformerFactoryWithOptions(client, 0, informers.WithNamespace(config.Namespace))
}

type trackedPod struct {
	address string
	roles   []datastore.Role
}

// PodController registers Ready pods matching the prefill and decode label
// selectors as workers, and deregisters them once they stop being Ready or
// are deleted.
type PodController struct {
	podLister corelisters.PodLister
	podSynced cache.InformerSynced

	workqueue workqueue.TypedRateLimitingInterface[string]
	store     datastore.Store
	config    conf.KubernetesDiscovery
	selectors map[datastore.Role]labels.Selector
	metrics   *metrics.Metrics

	mu   sync.Mutex
	pods map[string]trackedPod
}

func NewPodController(
	kubeInformerFactory informers.SharedInformerFactory,
	store datastore.Store,
	config conf.KubernetesDiscovery,
	m *metrics.Metrics,
) (*PodController, error) {
	if m == nil {
		m = metrics.Default()
	}
	if config.Port == 0 {
		config.Port = conf.DefaultWorkerPort
	}
	selectors := make(map[datastore.Role]labels.Selector, len(datastore.Roles))
	for role, raw := range map[datastore.Role]string{
		datastore.RolePrefill: config.PrefillSelector,
		datastore.RoleDecode:  config.DecodeSelector,
	} {
		if raw == "" {
			return nil, fmt.Errorf("%s pod selector is empty", role)
		}
		selector, err := labels.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pod selector %q: %w", role, raw, err)
		}
		selectors[role] = selector
	}

	podInformer := kubeInformerFactory.Core().V1().Pods()
	controller := &PodController{
		podLister: podInformer.Lister(),
		podSynced: podInformer.Informer().HasSynced,
		workqueue: workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[string]()),
		store:     store,
		config:    config,
		selectors: selectors,
		metrics:   m,
		pods:      make(map[string]trackedPod),
	}

	_, err := podInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: controller.enqueuePod,
		UpdateFunc: func(old, new interface{}) {
			controller.enqueuePod(new)
		},
		DeleteFunc: controller.enqueuePod,
	})
	if err != nil {
		return nil, err
	}
	return controller, nil
}

func (c *PodController) HasSynced() bool {
	return c.podSynced()
}

func (c *PodController) Run(ctx context.Context, workers int) error {
	defer utilruntime.HandleCrash()
	defer c.workqueue.ShutDown()

	if ok := cache.WaitForCacheSync(ctx.Done(), c.podSynced); !ok {
		return fmt.Errorf("failed to wait for caches to sync")
	}
	klog.Infof("watching pods in namespace %q for prefill and decode workers", c.config.Namespace)

	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}

	<-ctx.Done()
	return nil
}

func (c *PodController) runWorker(ctx context.Context) {
	for c.processNextWorkItem() {
	}
}

func (c *PodController) processNextWorkItem() bool {
	key, shutdown := c.workqueue.Get()
	if shutdown {
		return false
	}
	defer c.workqueue.Done(key)

	if err := c.syncHandler(key); err != nil {
		c.metrics.DiscoverySyncs.WithLabelValues(string(datastore.SourceKubernetes), metrics.ResultFailure).Inc()
		if c.workqueue.NumRequeues(key) < maxRetries {
			klog.V(2).Infof("error syncing pod %q: %v, requeuing", key, err)
			c.workqueue.AddRateLimited(key)
			return true
		}
		klog.V(2).Infof("giving up on syncing pod %q after %d retries: %v", key, maxRetries, err)
	} else {
		c.metrics.DiscoverySyncs.WithLabelValues(string(datastore.SourceKubernetes), metrics.ResultSuccess).Inc()
	}
	c.workqueue.Forget(key)
	return true
}

func (c *PodController) syncHandler(key string) error {
	namespace, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		utilruntime.HandleError(fmt.Errorf("invalid resource key: %s", key))
		return nil
	}

	pod, err := c.podLister.Pods(namespace).Get(name)
	if errors.IsNotFound(err) {
		c.forget(key)
		return nil
	}
	if err != nil {
		return err
	}
	if !isPodReady(pod) || pod.Status.PodIP == "" {
		c.forget(key)
		return nil
	}

	var roles []datastore.Role
	for _, role := range datastore.Roles {
		if c.selectors[role].Matches(labels.Set(pod.Labels)) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		c.forget(key)
		return nil
	}

	address := net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(c.config.Port))
	kvAddress := ""
	if c.config.KVPort > 0 {
		kvAddress = net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(c.config.KVPort))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.pods[key]; ok {
		for _, role := range prev.roles {
			if prev.address != address || !slices.Contains(roles, role) {
				c.store.DeregisterRole(role, prev.address)
			}
		}
	}
	for _, role := range roles {
		err := c.store.Register(datastore.Worker{
			Address:   address,
			KVAddress: kvAddress,
			Role:      role,
			Source:    datastore.SourceKubernetes,
		})
		if err != nil {
			return fmt.Errorf("failed to register pod %s as %s worker: %w", key, role, err)
		}
	}
	c.pods[key] = trackedPod{address: address, roles: roles}
	return nil
}

func (c *PodController) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.pods[key]; ok {
		for _, role := range prev.roles {
			c.store.DeregisterRole(role, prev.address)
		}
		delete(c.pods, key)
		klog.V(2).Infof("pod %s left the worker pool", key)
	}
}

func (c *PodController) enqueuePod(obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	c.workqueue.Add(key)
}

func isPodReady(pod *corev1.Pod) bool {
	if !pod.DeletionTimestamp.IsZero() {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
