// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package adversarial pairs a generator and a discriminator and implements the two alternating training steps
// of a GAN.
//
// The discriminator step trains the discriminator on a batch of real images (against smoothed labels) and on a
// batch of generated images (against zeros). The generator step trains the generator through the composite
// generator+discriminator graph, with the discriminator frozen, against the "real" labels.
//
// Each step is a separately compiled graph, and each network has its own Adam optimizer, so the steps mutate
// only the weights of the network they train.
package adversarial

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/networks"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DiscriminatorOptimizerScope is the scope of the discriminator optimizer state (learning rate and step).
	DiscriminatorOptimizerScope = "discriminator_optimizer"

	// GeneratorOptimizerScope is the scope of the generator optimizer state (learning rate and step).
	GeneratorOptimizerScope = "generator_optimizer"

	// Epsilon used to clip the probabilities in the binary cross-entropy.
	Epsilon = 1e-7
)

// Model holds the generator and discriminator of an RGAN/RCGAN, their optimizers and the compiled graphs
// to run and train them.
//
// All its state (weights, optimizer moments, batch normalization averages) is kept in its context.Context,
// and it's not safe for concurrent use.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	hp      config.Hyperparameters

	optimizerD, optimizerG optimizers.Interface

	generateExec, discriminateExec             *context.Exec
	trainDiscriminatorExec, trainGeneratorExec *context.Exec

	// zeroLabels and noClasses are cached per batch size.
	zeroLabels map[int]*tensors.Tensor
	noClasses  map[int]*tensors.Tensor
}

// New creates a Model with the given hyperparameters, whose variables live in ctx.
// If ctx is nil a new one is created.
//
// The networks variables are only created when the graphs are first executed, see Materialize.
func New(backend backends.Backend, ctx *context.Context, hp config.Hyperparameters) (*Model, error) {
	if err := networks.Validate(hp); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.New()
	}
	ctx = ctx.InAbsPath(context.RootScope)
	hp.SetInContext(ctx)

	m := &Model{
		backend:    backend,
		ctx:        ctx,
		hp:         hp,
		zeroLabels: make(map[int]*tensors.Tensor),
		noClasses:  make(map[int]*tensors.Tensor),
	}
	// Betas and the other Adam settings are read from the context parameters.
	m.optimizerD = optimizers.Adam().
		FromContext(ctx).
		Scope("adam_discriminator").
		LearningRate(hp.LearningRate).
		Done()
	m.optimizerG = optimizers.Adam().
		FromContext(ctx).
		Scope("adam_generator").
		LearningRate(hp.GeneratorLearningRate()).
		Done()

	err := exceptions.TryCatch[error](func() {
		m.generateExec = context.MustNewExec(backend, ctx, m.generateGraph)
		m.discriminateExec = context.MustNewExec(backend, ctx, m.discriminateGraph)
		m.trainDiscriminatorExec = context.MustNewExec(backend, ctx, m.trainDiscriminatorGraph)
		m.trainGeneratorExec = context.MustNewExec(backend, ctx, m.trainGeneratorGraph)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the model executors")
	}
	klog.V(1).Infof("%s model created on backend %q", hp.Variant, backend.Name())
	return m, nil
}

// Context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Hyperparameters the model was built with.
func (m *Model) Hyperparameters() config.Hyperparameters { return m.hp }

// Backend used to run the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// Finalize frees the compiled graphs. The model can't be used afterward.
func (m *Model) Finalize() {
	for _, e := range []*context.Exec{m.generateExec, m.discriminateExec, m.trainDiscriminatorExec, m.trainGeneratorExec} {
		if e != nil {
			e.Finalize()
		}
	}
	for _, cache := range []map[int]*tensors.Tensor{m.zeroLabels, m.noClasses} {
		for _, t := range cache {
			t.FinalizeAll()
		}
		clear(cache)
	}
}

func (m *Model) generateGraph(ctx *context.Context, noise, classes *Node) *Node {
	ctx.SetTraining(noise.Graph(), false)
	return networks.Generator(ctx, m.hp, noise, classes)
}

func (m *Model) discriminateGraph(ctx *context.Context, images, classes *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	return networks.Discriminator(ctx, m.hp, images, classes, false)
}

// trainDiscriminatorGraph takes one optimizer step of the discriminator on a batch of images. It's used for both
// the real and the generated batches.
func (m *Model) trainDiscriminatorGraph(ctx *context.Context, images, labels, classes *Node) *Node {
	g := images.Graph()
	ctx.SetTraining(g, true)
	predictions := networks.Discriminator(ctx, m.hp, images, classes, false)
	loss := BinaryCrossEntropy(labels, predictions)
	m.optimizerD.UpdateGraph(ctx.InAbsPath(context.ScopeSeparator+DiscriminatorOptimizerScope), g, loss)
	networks.ConstrainMaxNorm(ctx, g, networks.AbsScope(networks.DiscriminatorScope))
	return loss
}

// trainGeneratorGraph takes one optimizer step of the generator through the frozen discriminator.
func (m *Model) trainGeneratorGraph(ctx *context.Context, noise, labels, classes *Node) *Node {
	g := noise.Graph()
	ctx.SetTraining(g, true)
	fake := networks.Generator(ctx, m.hp, noise, classes)
	predictions := networks.Discriminator(ctx, m.hp, fake, classes, true)
	loss := BinaryCrossEntropy(labels, predictions)

	unfreeze := freeze(ctx, g, networks.AbsScope(networks.DiscriminatorScope))
	m.optimizerG.UpdateGraph(ctx.InAbsPath(context.ScopeSeparator+GeneratorOptimizerScope), g, loss)
	unfreeze()
	networks.ConstrainMaxNorm(ctx, g, networks.AbsScope(networks.GeneratorScope))

	// The root global step counts generator steps, and it's used to name checkpoints.
	_ = optimizers.IncrementGlobalStepGraph(ctx.InAbsPath(context.RootScope), g, dtypes.Int64)
	return loss
}

// freeze marks the trainable variables under scope that are used by g as non-trainable, and returns a function
// that restores them.
//
// The trainable flag is only read while the gradients and the optimizer update are built, so the variables
// remain trainable for the other graphs.
func freeze(ctx *context.Context, g *Graph, scope string) (restore func()) {
	var frozen []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) && networks.InScope(v.Scope(), scope) {
			v.SetTrainable(false)
			frozen = append(frozen, v)
		}
	}
	return func() {
		for _, v := range frozen {
			v.SetTrainable(true)
		}
	}
}

// BinaryCrossEntropy returns the mean binary cross-entropy of the probabilities in predictions, shaped [batch, 1],
// against labels, shaped [batch]. Probabilities are clipped to [Epsilon, 1-Epsilon].
func BinaryCrossEntropy(labels, predictions *Node) *Node {
	predictions = ClipScalar(predictions, Epsilon, 1-Epsilon)
	labels = ConvertDType(Reshape(labels, predictions.Shape().Dimensions...), predictions.DType())
	losses := Add(
		Mul(labels, Log(predictions)),
		Mul(OneMinus(labels), Log(OneMinus(predictions))))
	return Neg(ReduceAllMean(losses))
}

// exec runs e converting any panic to an error.
func (m *Model) exec(e *context.Exec, args ...any) ([]*tensors.Tensor, error) {
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		outputs, execErr = e.Exec(args...)
		if execErr != nil {
			panic(execErr)
		}
	})
	return outputs, err
}

// classesOrDefault returns classes, or for the unconditional variant, a placeholder of zeros.
func (m *Model) classesOrDefault(classes *tensors.Tensor, batchSize int) (*tensors.Tensor, error) {
	if m.hp.Variant.IsConditional() {
		if classes == nil {
			return nil, errors.Errorf("model variant %s requires the classes", m.hp.Variant)
		}
		return classes, nil
	}
	t, found := m.noClasses[batchSize]
	if !found {
		t = tensors.FromShape(shapes.Make(dtypes.Int32, batchSize))
		m.noClasses[batchSize] = t
	}
	return t, nil
}

func (m *Model) zeros(batchSize int) *tensors.Tensor {
	t, found := m.zeroLabels[batchSize]
	if !found {
		t = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize))
		m.zeroLabels[batchSize] = t
	}
	return t
}

func scalarValue(t *tensors.Tensor) float64 {
	return shapes.ConvertTo[float64](t.Value())
}

// Generate images from noise, shaped [batch, latent_dim], and for RCGAN classes, shaped [batch] (int32).
// For RGAN classes can be nil.
//
// It runs in inference mode: no weight, batch normalization or spectral norm state is changed.
func (m *Model) Generate(noise, classes *tensors.Tensor) (*tensors.Tensor, error) {
	classes, err := m.classesOrDefault(classes, noise.Shape().Dim(0))
	if err != nil {
		return nil, err
	}
	outputs, err := m.exec(m.generateExec, noise, classes)
	if err != nil {
		return nil, errors.WithMessage(err, "generator failed")
	}
	return outputs[0], nil
}

// Discriminate returns the probabilities, shaped [batch, 1], that the images are real.
// It runs in inference mode.
func (m *Model) Discriminate(images, classes *tensors.Tensor) (*tensors.Tensor, error) {
	classes, err := m.classesOrDefault(classes, images.Shape().Dim(0))
	if err != nil {
		return nil, err
	}
	outputs, err := m.exec(m.discriminateExec, images, classes)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator failed")
	}
	return outputs[0], nil
}

// TrainDiscriminator takes one optimizer step on the real images against realLabels (the smoothed labels,
// shaped [batch]) and then one on the fake images against zeros.
//
// classes are the classes of the real images, also used to condition the fake ones (RCGAN only).
//
// It returns the discriminator loss, the mean of the real and fake losses, and each of its parts.
func (m *Model) TrainDiscriminator(real, fake, realLabels, classes *tensors.Tensor) (dLoss, realLoss, fakeLoss float64, err error) {
	batchSize := real.Shape().Dim(0)
	classes, err = m.classesOrDefault(classes, batchSize)
	if err != nil {
		return
	}
	outputs, err := m.exec(m.trainDiscriminatorExec, real, realLabels, classes)
	if err != nil {
		err = errors.WithMessage(err, "discriminator step on real images failed")
		return
	}
	realLoss = scalarValue(outputs[0])
	outputs, err = m.exec(m.trainDiscriminatorExec, fake, m.zeros(fake.Shape().Dim(0)), classes)
	if err != nil {
		err = errors.WithMessage(err, "discriminator step on generated images failed")
		return
	}
	fakeLoss = scalarValue(outputs[0])
	dLoss = 0.5 * (realLoss + fakeLoss)
	return
}

// TrainGenerator takes one optimizer step of the generator, generating images from noise (and classes for RCGAN)
// and scoring them with the frozen discriminator against labels.
func (m *Model) TrainGenerator(noise, labels, classes *tensors.Tensor) (gLoss float64, err error) {
	classes, err = m.classesOrDefault(classes, noise.Shape().Dim(0))
	if err != nil {
		return
	}
	outputs, err := m.exec(m.trainGeneratorExec, noise, labels, classes)
	if err != nil {
		return 0, errors.WithMessage(err, "generator step failed")
	}
	return scalarValue(outputs[0]), nil
}

// Materialize runs the inference graphs once, on a batch of zeros, so all the network variables are created.
func (m *Model) Materialize() error {
	noise := tensors.FromShape(shapes.Make(dtypes.Float32, 1, m.hp.LatentDim))
	classes := tensors.FromShape(shapes.Make(dtypes.Int32, 1))
	images, err := m.Generate(noise, classes)
	if err != nil {
		return err
	}
	_, err = m.Discriminate(images, classes)
	return err
}

// Summary lists the network variables with their shapes and sizes.
func (m *Model) Summary() string {
	var sb strings.Builder
	for _, scope := range []string{networks.GeneratorScope, networks.DiscriminatorScope} {
		var numParams, numTrainable int
		fmt.Fprintf(&sb, "%s:\n", scope)
		for _, v := range networks.Variables(m.ctx, scope) {
			size := v.Shape().Size()
			numParams += size
			if v.Trainable {
				numTrainable += size
			}
			fmt.Fprintf(&sb, "\t%s/%s: %s\n", strings.TrimPrefix(v.Scope(), networks.AbsScope(scope)), v.Name(), v.Shape())
		}
		fmt.Fprintf(&sb, "\t%s parameters, %s trainable\n", humanize.Comma(int64(numParams)), humanize.Comma(int64(numTrainable)))
	}
	return sb.String()
}
