package scheduler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	v1 "k8s.io/api/core/v1"
	networking "k8s.io/api/networking/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/pointer"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/experimentd/configuration"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const (
	appLabel         = "app"
	roleLabel        = "role"
	typeLabel        = "type"
	userLabel        = "user"
	projectLabel     = "project"
	serviceTypeLabel = "service_type"
)

// KubernetesScheduler runs every auxiliary service as a single replica Deployment exposed by a
// ClusterIP Service, plus an Ingress when ingress is enabled. All three are named after the descriptor.
type KubernetesScheduler struct {
	client             kubernetes.Interface
	namespace          string
	labels             configuration.LabelsConfig
	config             configuration.KubernetesConfig
	outputsRoot        string
	ingressAnnotations map[string]string
	nodeSelectors      map[string]string
	logger             *log.Entry
}

func NewKubernetesScheduler(client kubernetes.Interface, config *configuration.ExperimentdConfig) (*KubernetesScheduler, error) {
	annotations, err := config.Kubernetes.IngressAnnotationsMap()
	if err != nil {
		return nil, err
	}
	nodeSelectors, err := config.Kubernetes.NodeSelectorsMap()
	if err != nil {
		return nil, err
	}
	return &KubernetesScheduler{
		client:             client,
		namespace:          config.Namespace,
		labels:             config.Labels,
		config:             config.Kubernetes,
		outputsRoot:        config.Storage.OutputsRoot,
		ingressAnnotations: annotations,
		nodeSelectors:      nodeSelectors,
		logger:             logging.ForComponent("scheduler"),
	}, nil
}

// NewKubernetesClient uses kubeconfig if set, the in-cluster configuration otherwise.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubernetes configuration")
	}
	client, err := kubernetes.NewForConfig(restConfig)
	return client, errors.WithStack(err)
}

func (s *KubernetesScheduler) Launch(ctx context.Context, descriptor *domain.ServiceDescriptor) error {
	if descriptor.Config == nil {
		return errors.Errorf("service %s has no configuration", descriptor.Key())
	}
	if err := s.applyDeployment(ctx, s.deployment(descriptor)); err != nil {
		return err
	}
	if err := s.applyService(ctx, s.service(descriptor)); err != nil {
		return err
	}
	if s.config.IngressEnabled {
		if err := s.applyIngress(ctx, s.ingress(descriptor)); err != nil {
			return err
		}
	}
	s.logger.WithField("service", descriptor.Key().String()).Infof("Launched %s on port %d", descriptor.Name(), descriptor.Port)
	return nil
}

func (s *KubernetesScheduler) Terminate(ctx context.Context, descriptor *domain.ServiceDescriptor) error {
	name := descriptor.Name()
	if err := s.client.AppsV1().Deployments(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); ignoreNotFound(err) != nil {
		return errors.Wrapf(err, "failed to delete deployment %s", name)
	}
	if err := s.client.CoreV1().Services(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); ignoreNotFound(err) != nil {
		return errors.Wrapf(err, "failed to delete service %s", name)
	}
	if s.config.IngressEnabled {
		if err := s.client.NetworkingV1().Ingresses(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); ignoreNotFound(err) != nil {
			return errors.Wrapf(err, "failed to delete ingress %s", name)
		}
	}
	s.logger.WithField("service", descriptor.Key().String()).Infof("Terminated %s", name)
	return nil
}

func (s *KubernetesScheduler) ResolveAddress(ctx context.Context, descriptor *domain.ServiceDescriptor) (string, error) {
	name := descriptor.Name()
	service, err := s.client.CoreV1().Services(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if k8s_errors.IsNotFound(err) {
		return "", errors.WithStack(&experrors.ErrNotFound{Type: "service", Value: name})
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get service %s", name)
	}
	if service.Spec.ClusterIP == "" || service.Spec.ClusterIP == v1.ClusterIPNone || len(service.Spec.Ports) == 0 {
		return "", errors.WithStack(&experrors.ErrNotFound{Type: "service", Value: name, Message: "service has no cluster address yet"})
	}
	return fmt.Sprintf("%s:%d", service.Spec.ClusterIP, service.Spec.Ports[0].Port), nil
}

func (s *KubernetesScheduler) objectLabels(descriptor *domain.ServiceDescriptor) map[string]string {
	return map[string]string{
		appLabel:         descriptor.Name(),
		roleLabel:        s.labels.RoleDashboard,
		typeLabel:        s.labels.TypeCore,
		userLabel:        descriptor.Project.User,
		projectLabel:     descriptor.Project.Name,
		serviceTypeLabel: string(descriptor.Type),
	}
}

func (s *KubernetesScheduler) deployment(descriptor *domain.ServiceDescriptor) *appsv1.Deployment {
	labels := s.objectLabels(descriptor)
	podSpec := v1.PodSpec{
		Containers: []v1.Container{
			{
				Name:    string(descriptor.Type),
				Image:   descriptor.Config.Image(),
				Command: s.command(descriptor),
				Ports: []v1.ContainerPort{
					{ContainerPort: int32(descriptor.Port), Protocol: v1.ProtocolTCP},
				},
			},
		},
		RestartPolicy: v1.RestartPolicyAlways,
		NodeSelector:  s.nodeSelectors,
	}
	if s.config.RbacEnabled && s.config.ServiceAccountName != "" {
		podSpec.ServiceAccountName = s.config.ServiceAccountName
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: descriptor.Name(), Namespace: s.namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: pointer.Int32(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{appLabel: descriptor.Name()}},
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

func (s *KubernetesScheduler) command(descriptor *domain.ServiceDescriptor) []string {
	switch config := descriptor.Config.(type) {
	case *domain.TensorboardConfig:
		logdir := fmt.Sprintf("%s/%s/%s", s.outputsRoot, descriptor.Project.User, descriptor.Project.Name)
		return []string{"tensorboard", "--logdir=" + logdir, fmt.Sprintf("--port=%d", descriptor.Port)}
	case *domain.NotebookConfig:
		if config.Run.Cmd != "" {
			return []string{"/bin/sh", "-c", config.Run.Cmd}
		}
		return []string{
			"jupyter", "notebook",
			"--no-browser",
			"--allow-root",
			"--ip=0.0.0.0",
			fmt.Sprintf("--port=%d", descriptor.Port),
			"--NotebookApp.trust_xheaders=True",
			fmt.Sprintf("--NotebookApp.base_url=/notebook/%s/%s", descriptor.Project.User, descriptor.Project.Name),
		}
	default:
		return nil
	}
}

func (s *KubernetesScheduler) service(descriptor *domain.ServiceDescriptor) *v1.Service {
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: descriptor.Name(), Namespace: s.namespace, Labels: s.objectLabels(descriptor)},
		Spec: v1.ServiceSpec{
			Type:     v1.ServiceTypeClusterIP,
			Selector: map[string]string{appLabel: descriptor.Name()},
			Ports: []v1.ServicePort{
				{
					Name:       string(descriptor.Type),
					Port:       int32(descriptor.Port),
					TargetPort: intstr.FromInt(descriptor.Port),
					Protocol:   v1.ProtocolTCP,
				},
			},
		},
	}
}

func (s *KubernetesScheduler) ingress(descriptor *domain.ServiceDescriptor) *networking.Ingress {
	pathType := networking.PathTypePrefix
	path := fmt.Sprintf("/%s/%s/%s", descriptor.Type, descriptor.Project.User, descriptor.Project.Name)
	return &networking.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        descriptor.Name(),
			Namespace:   s.namespace,
			Labels:      s.objectLabels(descriptor),
			Annotations: s.ingressAnnotations,
		},
		Spec: networking.IngressSpec{
			Rules: []networking.IngressRule{
				{
					IngressRuleValue: networking.IngressRuleValue{
						HTTP: &networking.HTTPIngressRuleValue{
							Paths: []networking.HTTPIngressPath{
								{
									Path:     path,
									PathType: &pathType,
									Backend: networking.IngressBackend{
										Service: &networking.IngressServiceBackend{
											Name: descriptor.Name(),
											Port: networking.ServiceBackendPort{Number: int32(descriptor.Port)},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// The apply functions create the object, or replace its spec if it already exists so that relaunching
// a reconfigured service picks up the new configuration.

func (s *KubernetesScheduler) applyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	deployments := s.client.AppsV1().Deployments(s.namespace)
	_, err := deployments.Create(ctx, deployment, metav1.CreateOptions{})
	if k8s_errors.IsAlreadyExists(err) {
		existing, getErr := deployments.Get(ctx, deployment.Name, metav1.GetOptions{})
		if getErr != nil {
			return errors.Wrapf(getErr, "failed to get deployment %s", deployment.Name)
		}
		existing.Labels = deployment.Labels
		existing.Spec = deployment.Spec
		_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "failed to apply deployment %s", deployment.Name)
}

func (s *KubernetesScheduler) applyService(ctx context.Context, service *v1.Service) error {
	services := s.client.CoreV1().Services(s.namespace)
	_, err := services.Create(ctx, service, metav1.CreateOptions{})
	if k8s_errors.IsAlreadyExists(err) {
		existing, getErr := services.Get(ctx, service.Name, metav1.GetOptions{})
		if getErr != nil {
			return errors.Wrapf(getErr, "failed to get service %s", service.Name)
		}
		// the cluster IP is immutable
		existing.Labels = service.Labels
		existing.Spec.Selector = service.Spec.Selector
		existing.Spec.Ports = service.Spec.Ports
		_, err = services.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "failed to apply service %s", service.Name)
}

func (s *KubernetesScheduler) applyIngress(ctx context.Context, ingress *networking.Ingress) error {
	ingresses := s.client.NetworkingV1().Ingresses(s.namespace)
	_, err := ingresses.Create(ctx, ingress, metav1.CreateOptions{})
	if k8s_errors.IsAlreadyExists(err) {
		existing, getErr := ingresses.Get(ctx, ingress.Name, metav1.GetOptions{})
		if getErr != nil {
			return errors.Wrapf(getErr, "failed to get ingress %s", ingress.Name)
		}
		existing.Labels = ingress.Labels
		existing.Annotations = ingress.Annotations
		existing.Spec = ingress.Spec
		_, err = ingresses.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "failed to apply ingress %s", ingress.Name)
}

func ignoreNotFound(err error) error {
	if k8s_errors.IsNotFound(err) {
		return nil
	}
	return err
}
