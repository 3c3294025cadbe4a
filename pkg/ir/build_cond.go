// Conditional lowering
package ir

import "github.com/GriffinCanCode/kaleidoscope/pkg/frontend"

// lowerCond emits the diamond
//
//	cur:    %t = fcmp une double test, 0.0 ; br %t, then, else
//	then:   ... ; br merge
//	else:   ... ; br merge
//	merge:  phi [then_val, then_end], [else_val, else_end]
//
// A branch may itself contain conditionals, so the phi names the block
// each branch ended in rather than the block it started in.
func (b *Builder) lowerCond(c *frontend.Cond) (Value, error) {
	test, err := b.lowerExpr(c.Test)
	if err != nil {
		return nil, err
	}
	flag := b.fn.NewTemp(BoolType{})
	b.emit(&FCmp{Dest: flag, Pred: PredUNE, L: test, R: &Const{Val: 0}})

	thenBl := b.fn.NewBlock("then")
	elseBl := b.fn.NewBlock("else")
	merge := b.fn.NewBlock("merge")
	b.active.Term = &CondBranch{Cond: flag, True: thenBl, False: elseBl}

	thenVal, thenEnd, err := b.lowerArm(thenBl, c.Then, merge)
	if err != nil {
		return nil, err
	}
	elseVal, elseEnd, err := b.lowerArm(elseBl, c.Else, merge)
	if err != nil {
		return nil, err
	}

	b.enter(merge)
	dest := b.fn.NewTemp(FloatType{})
	merge.Phis = append(merge.Phis, &Phi{
		Dest: dest,
		Incoming: []Incoming{
			{Value: thenVal, Block: thenEnd},
			{Value: elseVal, Block: elseEnd},
		},
	})
	return dest, nil
}

// lowerArm lowers expr starting in start and branches to merge from
// whichever block is active afterwards.
func (b *Builder) lowerArm(start *Block, expr frontend.Expr, merge *Block) (Value, *Block, error) {
	b.enter(start)
	val, err := b.lowerExpr(expr)
	if err != nil {
		return nil, nil, err
	}
	end := b.active
	end.Term = &Branch{Target: merge}
	return val, end, nil
}
